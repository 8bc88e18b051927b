// Package registry owns the set of stored credentials and the pending
// override queue. All mutations run under one mutex and write the full
// snapshot back before returning; a failed write is logged and the
// in-memory state stays authoritative for the rest of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"altdeck/internal/model"
)

var (
	ErrDuplicate = errors.New("account already exists")
	ErrNotFound  = errors.New("account not found")
)

// IdentityLookup resolves the display name and user id behind a session
// token. authflow.Client satisfies it; tests inject fakes.
type IdentityLookup interface {
	Identity(ctx context.Context, sessionToken string) model.Identity
}

// Captured is the raw material an external capture collaborator yields.
type Captured struct {
	SessionToken string
	Password     string
}

// Capturer is the interactive credential-capture collaborator. How the
// capture happens (browser automation, manual paste) is outside this
// repo; the registry only consumes the result.
type Capturer interface {
	Capture(ctx context.Context) (Captured, error)
}

// CapturerFunc adapts a function to the Capturer interface.
type CapturerFunc func(ctx context.Context) (Captured, error)

func (f CapturerFunc) Capture(ctx context.Context) (Captured, error) { return f(ctx) }

type Registry struct {
	mu             sync.Mutex
	accounts       map[string]*model.Account
	order          []string
	overrides      map[string]model.Override
	lastUsedTarget int64

	store  SnapshotStore
	lookup IdentityLookup
	logger *slog.Logger

	keyMu    sync.Mutex
	keyLocks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// New loads the snapshot (if any) and returns a ready registry. An
// unreadable snapshot is logged and treated as no data; refusing to
// start over a corrupt file would lock the operator out entirely.
func New(store SnapshotStore, lookup IdentityLookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		accounts:  map[string]*model.Account{},
		overrides: map[string]model.Override{},
		store:     store,
		lookup:    lookup,
		logger:    logger,
		keyLocks:  map[string]*keyLockEntry{},
	}
	snap, err := store.Load()
	if err != nil {
		logger.Warn("snapshot unreadable, starting empty", "code", model.ErrRegistryCorrupt, "err", err)
		return r
	}
	if snap == nil {
		return r
	}
	for key, acct := range snap.Accounts {
		a := acct
		a.AccountKey = key
		r.accounts[key] = &a
		r.order = append(r.order, key)
	}
	// Snapshot maps carry no order; restore display order by add time.
	sort.Slice(r.order, func(i, j int) bool {
		ai, aj := r.accounts[r.order[i]], r.accounts[r.order[j]]
		if !ai.AddedAt.Equal(aj.AddedAt) {
			return ai.AddedAt.Before(aj.AddedAt)
		}
		return ai.AccountKey < aj.AccountKey
	})
	for key, ov := range snap.Overrides {
		if _, ok := r.accounts[key]; ok {
			r.overrides[key] = ov
		}
	}
	r.lastUsedTarget = snap.LastUsedTarget
	return r
}

// LockAccount serializes launch-critical sections per account key, so
// launches for different accounts proceed concurrently while two
// launches for the same account cannot both consume one override or race
// the tracker-id assignment. The returned func releases the lock.
func (r *Registry) LockAccount(key string) func() {
	r.keyMu.Lock()
	entry, ok := r.keyLocks[key]
	if !ok {
		entry = &keyLockEntry{}
		r.keyLocks[key] = entry
	}
	entry.refs++
	r.keyMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.keyMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.keyLocks, key)
		}
		r.keyMu.Unlock()
	}
}

// Add stores a new credential. The remote identity lookup supplies the
// account key; when it fails the credential is still stored under a
// synthesized placeholder key so the operator can retry resolution
// later. A key collision is rejected, never overwritten.
func (r *Registry) Add(ctx context.Context, sessionToken, capturedPassword string) (string, error) {
	identity := model.Identity{}
	if r.lookup != nil {
		identity = r.lookup.Identity(ctx, sessionToken)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := identity.Name
	switch {
	case identity.Resolved && key != "":
	case identity.UserID != 0:
		key = fmt.Sprintf("Account_%d", identity.UserID)
	default:
		key = "Unknown_" + strings.Split(uuid.NewString(), "-")[0]
	}
	if _, exists := r.accounts[key]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	acct := &model.Account{
		AccountKey:       key,
		UserID:           identity.UserID,
		SessionToken:     sessionToken,
		CapturedPassword: capturedPassword,
		AddedAt:          time.Now().UTC(),
	}
	r.accounts[key] = acct
	r.order = append(r.order, key)
	r.persistLocked()
	return key, nil
}

// Delete removes the credential and any pending override for it. A
// dangling override would silently redirect a future account with the
// same key, so the two are dropped together.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[key]; !ok {
		return false
	}
	delete(r.accounts, key)
	delete(r.overrides, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked()
	return true
}

// Get returns a copy; callers never hold a mutable reference into the
// registry.
func (r *Registry) Get(key string) (model.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[key]
	if !ok {
		return model.Account{}, false
	}
	return *acct, true
}

// List returns copies in insertion order.
func (r *Registry) List() []model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Account, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.accounts[key])
	}
	return out
}

// SetOverride upserts the single pending override slot for the account,
// replacing any prior override even for a different target.
func (r *Registry) SetOverride(key string, targetID int64, serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[key]; !ok {
		return false
	}
	r.overrides[key] = model.Override{
		TargetID: targetID,
		ServerID: serverID,
		SetAt:    time.Now().UTC(),
	}
	r.persistLocked()
	return true
}

// Override reports the pending override for the account without
// consuming it.
func (r *Registry) Override(key string) (model.Override, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ov, ok := r.overrides[key]
	return ov, ok
}

// ConsumeOverride removes and returns the pending override, but only
// when its stored target matches the launch target. A mismatched
// override stays queued for a future matching launch.
func (r *Registry) ConsumeOverride(key string, targetID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ov, ok := r.overrides[key]
	if !ok || ov.TargetID != targetID {
		return "", false
	}
	delete(r.overrides, key)
	r.persistLocked()
	return ov.ServerID, true
}

// EnsureTrackerID lazily assigns the per-credential tracker id on first
// use and persists it immediately; once assigned it is stable for the
// credential's lifetime, including across restarts.
func (r *Registry) EnsureTrackerID(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[key]
	if !ok {
		return "", false
	}
	if acct.BrowserTrackerID == "" {
		acct.BrowserTrackerID = newTrackerID()
		r.persistLocked()
	}
	return acct.BrowserTrackerID, true
}

// TouchUsed records a successful launch on the credential and the
// registry's last-used target.
func (r *Registry) TouchUsed(key string, targetID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[key]
	if !ok {
		return
	}
	now := time.Now().UTC()
	acct.LastUsedAt = &now
	r.lastUsedTarget = targetID
	r.persistLocked()
}

func (r *Registry) LastUsedTarget() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsedTarget
}

func (r *Registry) SetAlias(key, alias string) bool {
	return r.setField(key, func(a *model.Account) { a.Alias = alias })
}

func (r *Registry) SetDescription(key, description string) bool {
	return r.setField(key, func(a *model.Account) { a.Description = description })
}

func (r *Registry) SetGroup(key, group string) bool {
	return r.setField(key, func(a *model.Account) { a.Group = group })
}

func (r *Registry) Alias(key string) string {
	acct, ok := r.Get(key)
	if !ok {
		return ""
	}
	return acct.Alias
}

func (r *Registry) Description(key string) string {
	acct, ok := r.Get(key)
	if !ok {
		return ""
	}
	return acct.Description
}

func (r *Registry) setField(key string, apply func(*model.Account)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[key]
	if !ok {
		return false
	}
	apply(acct)
	r.persistLocked()
	return true
}

// persistLocked writes the full snapshot back. Failure is logged and
// swallowed: the in-memory state remains authoritative, trading
// durability for availability.
func (r *Registry) persistLocked() {
	snap := Snapshot{
		Accounts:       make(map[string]model.Account, len(r.accounts)),
		Overrides:      make(map[string]model.Override, len(r.overrides)),
		LastUsedTarget: r.lastUsedTarget,
	}
	for key, acct := range r.accounts {
		snap.Accounts[key] = *acct
	}
	for key, ov := range r.overrides {
		snap.Overrides[key] = ov
	}
	if err := r.store.Save(snap); err != nil {
		r.logger.Warn("snapshot save failed", "code", model.ErrPersistence, "err", err)
	}
}

// newTrackerID returns a 12-digit pseudo-random id with a nonzero lead.
func newTrackerID() string {
	return fmt.Sprintf("%d", 100000000000+rand.Int64N(900000000000))
}
