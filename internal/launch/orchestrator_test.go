package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"altdeck/internal/history"
	"altdeck/internal/model"
	"altdeck/internal/registry"
)

type fakeAuth struct {
	mu           sync.Mutex
	ticket       string
	ticketErr    error
	accessCode   string
	accessErr    error
	ticketCalls  int
	accessCalls  int
	lastLinkCode string
}

func (f *fakeAuth) LaunchTicket(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketCalls++
	if f.ticketErr != nil {
		return "", f.ticketErr
	}
	return f.ticket, nil
}

func (f *fakeAuth) PrivateAccessCode(_ context.Context, _ string, _ int64, linkCode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	f.lastLinkCode = linkCode
	if f.accessErr != nil {
		return "", f.accessErr
	}
	return f.accessCode, nil
}

type captureInvoker struct {
	mu         sync.Mutex
	directives []string
	err        error
}

func (c *captureInvoker) Invoke(directive string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directives = append(c.directives, directive)
	return c.err
}

func (c *captureInvoker) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.directives) == 0 {
		return ""
	}
	return c.directives[len(c.directives)-1]
}

type staticLookup struct {
	name string
	id   int64
}

func (l staticLookup) Identity(_ context.Context, _ string) model.Identity {
	return model.Identity{Resolved: true, Name: l.name, UserID: l.id}
}

// queueLookup resolves each add to the next queued identity.
type queueLookup struct {
	mu    sync.Mutex
	names []string
}

func (l *queueLookup) Identity(_ context.Context, _ string) model.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.names) == 0 {
		return model.Identity{}
	}
	name := l.names[0]
	l.names = l.names[1:]
	return model.Identity{Resolved: true, Name: name, UserID: int64(len(name))}
}

const launcherBase = "https://assetgame.example/game/PlaceLauncher.ashx"

func newTestStack(t *testing.T, auth *fakeAuth) (*Orchestrator, *registry.Registry, *captureInvoker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	reg := registry.New(registry.NewFileStore(path), staticLookup{name: "Builderman", id: 156}, nil)
	invoker := &captureInvoker{}
	orch := NewOrchestrator(reg, auth, invoker, nil, launcherBase, nil)
	return orch, reg, invoker, path
}

func TestLaunchUnknownAccountNoPersistenceWrite(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, _, invoker, path := newTestStack(t, auth)

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Nobody", TargetID: "100"})
	if result.Success || result.Code != model.ErrAccountNotFound {
		t.Fatalf("expected AccountNotFound, got %+v", result)
	}
	if auth.ticketCalls != 0 {
		t.Fatalf("network call made for unknown account")
	}
	if len(invoker.directives) != 0 {
		t.Fatalf("invoker called for unknown account")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("snapshot written for a rejected launch")
	}
}

func TestLaunchInvalidTargetNoNetworkCall(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, _, _ := newTestStack(t, auth)
	if _, err := reg.Add(context.Background(), "tok", ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	for _, target := range []string{"", "abc", "-5", "0", "12x"} {
		result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: target})
		if result.Success || result.Code != model.ErrInvalidTarget {
			t.Fatalf("target %q: expected InvalidTarget, got %+v", target, result)
		}
	}
	if auth.ticketCalls != 0 {
		t.Fatalf("network call made despite invalid targets")
	}
}

func TestLaunchAuthFailureIsActionable(t *testing.T) {
	auth := &fakeAuth{ticketErr: errors.New("no launch ticket")}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if result.Success || result.Code != model.ErrAuthExpired {
		t.Fatalf("expected AuthExpired, got %+v", result)
	}
	if !strings.Contains(result.Message, "re-authenticate") {
		t.Fatalf("auth-expired message not actionable: %q", result.Message)
	}
	if len(invoker.directives) != 0 {
		t.Fatalf("invoker called after auth failure")
	}
}

func TestLaunchConsumesMatchingOverride(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck
	reg.SetOverride("Builderman", 100, "job-9")

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}
	directive := invoker.last()
	if !strings.Contains(directive, "RequestGameJob") || !strings.Contains(directive, "gameId%3Djob-9") {
		t.Fatalf("override server not applied: %s", directive)
	}
	if _, ok := reg.Override("Builderman"); ok {
		t.Fatalf("matching override not consumed")
	}
}

func TestLaunchLeavesMismatchedOverrideQueued(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck
	reg.SetOverride("Builderman", 200, "job-9")

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}
	if strings.Contains(invoker.last(), "job-9") {
		t.Fatalf("mismatched override applied: %s", invoker.last())
	}
	if ov, ok := reg.Override("Builderman"); !ok || ov.ServerID != "job-9" {
		t.Fatalf("mismatched override must stay queued, got %+v %v", ov, ok)
	}
}

func TestExplicitServerIDBeatsPendingOverride(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck
	reg.SetOverride("Builderman", 100, "job-pending")

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100", ServerID: "job-explicit"})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}
	if !strings.Contains(invoker.last(), "job-explicit") || strings.Contains(invoker.last(), "job-pending") {
		t.Fatalf("explicit server id did not win: %s", invoker.last())
	}
	if _, ok := reg.Override("Builderman"); !ok {
		t.Fatalf("pending override must survive an explicit-server launch")
	}
}

func TestLaunchFollowUserMode(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "42", FollowUser: true})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}
	if !strings.Contains(invoker.last(), "RequestFollowUser") || !strings.Contains(invoker.last(), "userId%3D42") {
		t.Fatalf("follow mode not used: %s", invoker.last())
	}
}

func TestLaunchPrivateResolvesAccessCode(t *testing.T) {
	auth := &fakeAuth{ticket: "T", accessCode: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck
	reg.SetOverride("Builderman", 100, "privateServerLinkCode=link-7")

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}
	if auth.lastLinkCode != "link-7" {
		t.Fatalf("link code not extracted from override: %q", auth.lastLinkCode)
	}
	directive := invoker.last()
	if !strings.Contains(directive, "RequestPrivateGame") || !strings.Contains(directive, "accessCode%3Daaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee") {
		t.Fatalf("private join not formatted: %s", directive)
	}
}

func TestLaunchPrivateDegradesOnAccessCodeFailure(t *testing.T) {
	auth := &fakeAuth{ticket: "T", accessErr: errors.New("no access code")}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck

	result := orch.Launch(context.Background(), model.LaunchRequest{
		AccountKey: "Builderman",
		TargetID:   "100",
		ServerID:   "privateServerLinkCode=link-7",
	})
	if !result.Success {
		t.Fatalf("degraded launch must still succeed: %+v", result)
	}
	directive := invoker.last()
	if strings.Contains(directive, "RequestPrivateGame") {
		t.Fatalf("private join used without an access code: %s", directive)
	}
	if !strings.Contains(directive, "RequestGameJob") {
		t.Fatalf("expected fallback to the unresolved server id: %s", directive)
	}
}

func TestLaunchRecordsLastUsedAndHistory(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{ticket: "T"}
	path := filepath.Join(t.TempDir(), "accounts.json")
	reg := registry.New(registry.NewFileStore(path), staticLookup{name: "Builderman", id: 156}, nil)
	reg.Add(ctx, "tok", "") //nolint:errcheck

	hist, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer hist.Close() //nolint:errcheck
	if err := history.ApplyMigrations(ctx, hist.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	invoker := &captureInvoker{}
	orch := NewOrchestrator(reg, auth, invoker, hist, launcherBase, nil)
	result := orch.Launch(ctx, model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if !result.Success {
		t.Fatalf("launch failed: %+v", result)
	}

	acct, _ := reg.Get("Builderman")
	if acct.LastUsedAt == nil {
		t.Fatalf("lastUsedAt not recorded")
	}
	if reg.LastUsedTarget() != 100 {
		t.Fatalf("last-used target not recorded: %d", reg.LastUsedTarget())
	}

	attempts, err := hist.ListAttempts(ctx, "Builderman", 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.ResultCode != model.CodeOK || a.TargetID != 100 || a.Mode != model.LaunchModeStandard || a.CompletedAt == nil {
		t.Fatalf("unexpected attempt row: %+v", a)
	}
}

func TestLauncherFailureDoesNotFlipResult(t *testing.T) {
	auth := &fakeAuth{ticket: "T"}
	orch, reg, invoker, _ := newTestStack(t, auth)
	reg.Add(context.Background(), "tok", "") //nolint:errcheck
	invoker.err = errors.New("no handler registered")

	result := orch.Launch(context.Background(), model.LaunchRequest{AccountKey: "Builderman", TargetID: "100"})
	if !result.Success {
		t.Fatalf("launcher-side failure must not flip the result: %+v", result)
	}
}

func TestConcurrentLaunchesForDifferentAccountsDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{ticket: "T"}
	path := filepath.Join(t.TempDir(), "accounts.json")
	reg := registry.New(registry.NewFileStore(path), &queueLookup{names: []string{"Alpha", "Bravo"}}, nil)
	reg.Add(ctx, "tok-a", "") //nolint:errcheck
	reg.Add(ctx, "tok-b", "") //nolint:errcheck

	invoker := &captureInvoker{}
	orch := NewOrchestrator(reg, auth, invoker, nil, launcherBase, nil)

	reg.SetOverride("Alpha", 100, "job-a")

	var wg sync.WaitGroup
	results := make([]model.LaunchResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = orch.Launch(ctx, model.LaunchRequest{AccountKey: "Alpha", TargetID: "100"})
	}()
	go func() {
		defer wg.Done()
		results[1] = orch.Launch(ctx, model.LaunchRequest{AccountKey: "Bravo", TargetID: "100"})
	}()
	wg.Wait()

	if !results[0].Success || !results[1].Success {
		t.Fatalf("concurrent launches failed: %+v %+v", results[0], results[1])
	}
	if _, ok := reg.Override("Alpha"); ok {
		t.Fatalf("override for Alpha not consumed")
	}

	alpha, _ := reg.Get("Alpha")
	bravo, _ := reg.Get("Bravo")
	if alpha.BrowserTrackerID == "" || alpha.BrowserTrackerID == bravo.BrowserTrackerID {
		t.Fatalf("tracker ids crossed accounts: %q vs %q", alpha.BrowserTrackerID, bravo.BrowserTrackerID)
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	var jobA int
	for _, d := range invoker.directives {
		if strings.Contains(d, "job-a") {
			jobA++
		}
	}
	if jobA != 1 {
		t.Fatalf("override applied to %d launches, want exactly 1", jobA)
	}
}

func TestExtractLinkCode(t *testing.T) {
	cases := []struct {
		serverID    string
		joinPrivate bool
		want        string
		ok          bool
	}{
		{"", false, "", false},
		{"", true, "", false},
		{"job-1", false, "", false},
		{"link-raw", true, "link-raw", true},
		{"privateServerLinkCode=abc", false, "abc", true},
		{"https://example/games/1?privateServerLinkCode=abc&x=1", false, "abc", true},
		{"privateServerLinkCode=", false, "", false},
	}
	for _, tc := range cases {
		got, ok := extractLinkCode(tc.serverID, tc.joinPrivate)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("extractLinkCode(%q, %v) = %q,%v; want %q,%v", tc.serverID, tc.joinPrivate, got, ok, tc.want, tc.ok)
		}
	}
}
