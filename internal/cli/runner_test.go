package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"altdeck/internal/appclient"
)

func newTestRunner(t *testing.T) (*Runner, *strings.Builder, *strings.Builder) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/GetAccountsJson", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[{"Username":"Builderman","Alias":"main","Description":"trade alt","Group":"farm"}]`)
	})
	mux.HandleFunc("/Status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"status":"running","accounts":1,"last_used_target":606849621}`)
	})
	mux.HandleFunc("/LaunchAccount", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("Account") == "Nobody" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `no account named "Nobody"`)
			return
		}
		fmt.Fprintf(w, "launched %s into %s\n", q.Get("Account"), q.Get("PlaceId"))
	})
	mux.HandleFunc("/SetAlias", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/GetLaunchHistory", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[{"attempt_id":"a1","account":"Builderman","target_id":100,"mode":"standard","result_code":"OK","message":"launched","requested_at":"2026-08-01T12:00:00Z"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	var out, errOut strings.Builder
	r := NewRunner(appclient.NewWithClient(srv.URL, "", nil), &out, &errOut)
	return r, &out, &errOut
}

func TestListPrintsAccountTable(t *testing.T) {
	r, out, _ := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	got := out.String()
	if !strings.Contains(got, "USERNAME") || !strings.Contains(got, "Builderman") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestLaunchPrintsDaemonMessage(t *testing.T) {
	r, out, _ := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"launch", "Builderman", "100"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "launched Builderman into 100") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestLaunchFallsBackToLastUsedTarget(t *testing.T) {
	r, out, _ := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"launch", "Builderman"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "launched Builderman into 606849621") {
		t.Fatalf("last-used target not applied:\n%s", out.String())
	}
}

func TestLaunchFailureReportsDaemonError(t *testing.T) {
	r, _, errOut := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"launch", "Nobody", "100"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "Nobody") {
		t.Fatalf("daemon message lost:\n%s", errOut.String())
	}
}

func TestAliasCommand(t *testing.T) {
	r, out, _ := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"alias", "Builderman", "main"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if strings.TrimSpace(out.String()) != "ok" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestHistoryTable(t *testing.T) {
	r, out, _ := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"history", "Builderman"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	got := out.String()
	if !strings.Contains(got, "REQUESTED") || !strings.Contains(got, "OK") {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestUnknownCommandUsage(t *testing.T) {
	r, _, errOut := newTestRunner(t)
	if code := r.Run(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("missing diagnostic:\n%s", errOut.String())
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"remove missing arg", []string{"remove"}},
		{"set-server bad place", []string{"set-server", "Builderman", "zero", "job"}},
		{"alias missing value", []string{"alias", "Builderman"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, errOut := newTestRunner(t)
			if code := r.Run(context.Background(), tt.args); code != 2 {
				t.Fatalf("expected exit 2, got %d (stderr %q)", code, errOut.String())
			}
		})
	}
}
