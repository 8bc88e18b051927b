// Package daemon is the HTTP control surface over the registry and
// orchestrator. The surface is a query-parameter API answering plain
// text or JSON, gated by a shared secret on every path except the
// liveness check.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"altdeck/internal/api"
	"altdeck/internal/config"
	"altdeck/internal/history"
	"altdeck/internal/launch"
	"altdeck/internal/model"
	"altdeck/internal/registry"
)

const defaultHistoryLimit = 50

type Server struct {
	cfg    config.Config
	reg    *registry.Registry
	orch   *launch.Orchestrator
	hist   *history.Store
	logger *slog.Logger

	httpSrv  *http.Server
	mu       sync.Mutex
	listener net.Listener

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, reg *registry.Registry, orch *launch.Orchestrator, hist *history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		orch:   orch,
		hist:   hist,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/Running", s.runningHandler)
	mux.HandleFunc("/Status", s.gated(s.statusHandler))
	mux.HandleFunc("/LaunchAccount", s.gated(s.launchAccountHandler))
	mux.HandleFunc("/GetAccounts", s.gated(s.getAccountsHandler))
	mux.HandleFunc("/GetAccountsJson", s.gated(s.getAccountsJSONHandler))
	mux.HandleFunc("/AddAccount", s.gated(s.addAccountHandler))
	mux.HandleFunc("/RemoveAccount", s.gated(s.removeAccountHandler))
	mux.HandleFunc("/SetServer", s.gated(s.setServerHandler))
	mux.HandleFunc("/GetAlias", s.gated(s.getFieldHandler(s.reg.Alias)))
	mux.HandleFunc("/GetDescription", s.gated(s.getFieldHandler(s.reg.Description)))
	mux.HandleFunc("/SetAlias", s.gated(s.setFieldHandler(s.reg.SetAlias)))
	mux.HandleFunc("/SetDescription", s.gated(s.setFieldHandler(s.reg.SetDescription)))
	mux.HandleFunc("/SetGroup", s.gated(s.setFieldHandler(s.reg.SetGroup)))
	mux.HandleFunc("/GetLaunchHistory", s.gated(s.launchHistoryHandler))
	return s
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("control surface listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve control surface: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// Addr reports the bound address once Start has begun listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// gated enforces the shared-secret query parameter. An empty configured
// secret disables the gate, matching a trusted-loopback deployment.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret != "" && r.URL.Query().Get("Password") != s.cfg.Secret {
			s.writeText(w, http.StatusUnauthorized, "invalid or missing Password")
			return
		}
		next(w, r)
	}
}

func (s *Server) runningHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeText(w, http.StatusOK, "ok")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		Status:         "ok",
		Accounts:       len(s.reg.List()),
		LastUsedTarget: s.reg.LastUsedTarget(),
	})
}

func (s *Server) launchAccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	req := model.LaunchRequest{
		AccountKey:  strings.TrimSpace(q.Get("Account")),
		TargetID:    strings.TrimSpace(q.Get("PlaceId")),
		ServerID:    strings.TrimSpace(q.Get("JobId")),
		FollowUser:  parseBoolParam(q.Get("FollowUser")),
		JoinPrivate: parseBoolParam(q.Get("JoinVIP")),
	}
	if req.AccountKey == "" {
		s.writeText(w, http.StatusBadRequest, "Account is required")
		return
	}
	result := s.orch.Launch(r.Context(), req)
	if !result.Success {
		s.writeText(w, statusForCode(result.Code), result.Message)
		return
	}
	s.writeText(w, http.StatusOK, result.Message)
}

func (s *Server) getAccountsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	accounts := s.reg.List()
	keys := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		keys = append(keys, acct.AccountKey)
	}
	s.writeText(w, http.StatusOK, strings.Join(keys, "\n"))
}

func (s *Server) getAccountsJSONHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	accounts := s.reg.List()
	out := make([]api.AccountSummary, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, api.AccountSummary{
			Username:    acct.AccountKey,
			Alias:       acct.Alias,
			Description: acct.Description,
			Group:       acct.Group,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) addAccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("Cookie"))
	if token == "" {
		s.writeText(w, http.StatusBadRequest, "Cookie is required")
		return
	}
	key, err := s.reg.Add(r.Context(), token, q.Get("AccountPassword"))
	if err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			s.writeText(w, http.StatusConflict, err.Error())
			return
		}
		s.writeText(w, http.StatusInternalServerError, "failed to add account")
		return
	}
	s.writeText(w, http.StatusOK, key)
}

func (s *Server) removeAccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("Account"))
	if !s.reg.Delete(key) {
		s.writeText(w, http.StatusNotFound, fmt.Sprintf("no account named %q", key))
		return
	}
	s.writeText(w, http.StatusOK, "removed "+key)
}

func (s *Server) setServerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	q := r.URL.Query()
	key := strings.TrimSpace(q.Get("Account"))
	targetID, err := strconv.ParseInt(strings.TrimSpace(q.Get("PlaceId")), 10, 64)
	if err != nil || targetID <= 0 {
		s.writeText(w, http.StatusBadRequest, "PlaceId must be a positive number")
		return
	}
	serverID := strings.TrimSpace(q.Get("JobId"))
	if serverID == "" {
		s.writeText(w, http.StatusBadRequest, "JobId is required")
		return
	}
	if !s.reg.SetOverride(key, targetID, serverID) {
		s.writeText(w, http.StatusNotFound, fmt.Sprintf("no account named %q", key))
		return
	}
	s.writeText(w, http.StatusOK, fmt.Sprintf("next launch of %d for %s will join %s", targetID, key, serverID))
}

func (s *Server) getFieldHandler(get func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		key := strings.TrimSpace(r.URL.Query().Get("Account"))
		s.writeText(w, http.StatusOK, get(key))
	}
}

func (s *Server) setFieldHandler(set func(string, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
			return
		}
		q := r.URL.Query()
		key := strings.TrimSpace(q.Get("Account"))
		if !set(key, q.Get("Value")) {
			s.writeText(w, http.StatusNotFound, fmt.Sprintf("no account named %q", key))
			return
		}
		s.writeText(w, http.StatusOK, "ok")
	}
}

func (s *Server) launchHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.hist == nil {
		s.writeText(w, http.StatusServiceUnavailable, "launch history is disabled")
		return
	}
	q := r.URL.Query()
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(q.Get("Limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeText(w, http.StatusBadRequest, "Limit must be a positive number")
			return
		}
		limit = n
	}
	attempts, err := s.hist.ListAttempts(r.Context(), strings.TrimSpace(q.Get("Account")), limit)
	if err != nil {
		s.logger.Warn("history read failed", "err", err)
		s.writeText(w, http.StatusInternalServerError, "failed to read launch history")
		return
	}
	out := make([]api.LaunchHistoryEntry, 0, len(attempts))
	for _, attempt := range attempts {
		entry := api.LaunchHistoryEntry{
			AttemptID:   attempt.AttemptID,
			Account:     attempt.AccountKey,
			TargetID:    attempt.TargetID,
			ServerID:    attempt.ServerID,
			Mode:        string(attempt.Mode),
			ResultCode:  attempt.ResultCode,
			Message:     attempt.Message,
			RequestedAt: attempt.RequestedAt.Format(time.RFC3339Nano),
		}
		if attempt.CompletedAt != nil {
			entry.CompletedAt = attempt.CompletedAt.Format(time.RFC3339Nano)
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func statusForCode(code string) int {
	switch code {
	case model.ErrAccountNotFound:
		return http.StatusNotFound
	case model.ErrInvalidTarget:
		return http.StatusBadRequest
	case model.ErrAuthExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func parseBoolParam(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func (s *Server) writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeText(w, http.StatusMethodNotAllowed, "method not allowed")
}
