// Package launch drives one launch request end to end: override
// arbitration, ticket issuance, directive formatting, and the hand-off
// to the OS. Success means a ticket was minted and the directive
// dispatched; what the external application does afterwards is not this
// layer's contract.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"altdeck/internal/authflow"
	"altdeck/internal/history"
	"altdeck/internal/model"
	"altdeck/internal/registry"
)

// linkCodeMarker flags an override or server id that actually carries a
// private-server link code instead of a job id.
const linkCodeMarker = "privateServerLinkCode="

// TicketSource is the slice of the auth flow the orchestrator needs.
// authflow.Client satisfies it; tests inject fakes.
type TicketSource interface {
	LaunchTicket(ctx context.Context, sessionToken string) (string, error)
	PrivateAccessCode(ctx context.Context, sessionToken string, targetID int64, linkCode string) (string, error)
}

// Invoker hands a formatted directive to the OS default-handler
// mechanism. Fire-and-forget: a failure here is logged, never surfaced.
type Invoker interface {
	Invoke(directive string) error
}

type Orchestrator struct {
	reg          *registry.Registry
	auth         TicketSource
	invoker      Invoker
	hist         *history.Store
	launcherBase string
	logger       *slog.Logger
	now          func() time.Time
}

func NewOrchestrator(reg *registry.Registry, auth TicketSource, invoker Invoker, hist *history.Store, launcherBase string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reg:          reg,
		auth:         auth,
		invoker:      invoker,
		hist:         hist,
		launcherBase: launcherBase,
		logger:       logger,
		now:          time.Now,
	}
}

// Launch services one launch request. Every failure comes back as a
// result with an operator-readable message; nothing escapes as a fault.
func (o *Orchestrator) Launch(ctx context.Context, req model.LaunchRequest) model.LaunchResult {
	unlock := o.reg.LockAccount(req.AccountKey)
	defer unlock()

	acct, ok := o.reg.Get(req.AccountKey)
	if !ok {
		return model.LaunchResult{
			Code:    model.ErrAccountNotFound,
			Message: fmt.Sprintf("no account named %q; check the account list", req.AccountKey),
		}
	}
	targetID, err := strconv.ParseInt(strings.TrimSpace(req.TargetID), 10, 64)
	if err != nil || targetID <= 0 {
		return model.LaunchResult{
			Code:    model.ErrInvalidTarget,
			Message: fmt.Sprintf("target id %q is not a positive number", req.TargetID),
		}
	}

	requestedAt := o.now().UTC()
	serverID := req.ServerID
	if serverID == "" {
		// A caller-supplied server id always wins; the queued override
		// is only consulted, and consumed, in its absence.
		if next, ok := o.reg.ConsumeOverride(req.AccountKey, targetID); ok {
			serverID = next
		}
	}

	trackerID, _ := o.reg.EnsureTrackerID(req.AccountKey)

	ticket, err := o.auth.LaunchTicket(ctx, acct.SessionToken)
	if err != nil {
		result := model.LaunchResult{
			Code:    model.ErrAuthExpired,
			Message: fmt.Sprintf("could not get a launch ticket for %s; the session has likely expired, re-authenticate the account", req.AccountKey),
		}
		o.record(ctx, req.AccountKey, targetID, serverID, modeOf(req, false), requestedAt, result)
		return result
	}

	joinPrivate := req.JoinPrivate
	accessCode := ""
	if linkCode, ok := extractLinkCode(serverID, req.JoinPrivate); ok {
		code, err := o.auth.PrivateAccessCode(ctx, acct.SessionToken, targetID, linkCode)
		if err != nil {
			// Best-effort degrade: fall back to the unresolved server id
			// instead of aborting the launch.
			o.logger.Warn("private access resolution failed", "code", model.ErrNoAccessCode, "account", req.AccountKey, "target", targetID, "err", err)
			joinPrivate = false
		} else {
			accessCode = code
			joinPrivate = true
			serverID = linkCode
		}
	}

	var baseURL string
	switch {
	case joinPrivate:
		baseURL = authflow.PrivateRequestURL(o.launcherBase, trackerID, targetID, accessCode, serverID)
	case req.FollowUser:
		baseURL = authflow.FollowRequestURL(o.launcherBase, trackerID, targetID)
	default:
		baseURL = authflow.StandardRequestURL(o.launcherBase, trackerID, targetID, serverID)
	}
	directive := authflow.FormatLaunchDirective(baseURL, ticket, trackerID, o.now().Unix())

	o.reg.TouchUsed(req.AccountKey, targetID)

	result := model.LaunchResult{
		Success: true,
		Code:    model.CodeOK,
		Message: fmt.Sprintf("launched %s into %d", req.AccountKey, targetID),
	}
	o.record(ctx, req.AccountKey, targetID, serverID, modeOf(req, joinPrivate), requestedAt, result)

	if err := o.invoker.Invoke(directive); err != nil {
		// Ticket issuance is the unit of success here; a launcher-side
		// failure does not flip the already-reported result.
		o.logger.Warn("launcher invocation failed", "account", req.AccountKey, "err", err)
	}
	return result
}

func modeOf(req model.LaunchRequest, joinPrivate bool) model.LaunchMode {
	switch {
	case joinPrivate || req.JoinPrivate:
		return model.LaunchModePrivate
	case req.FollowUser:
		return model.LaunchModeFollow
	default:
		return model.LaunchModeStandard
	}
}

// extractLinkCode reports whether the effective server id carries a
// private-server link code. With joinPrivate the whole server id is the
// link code; otherwise the marker form "privateServerLinkCode=<code>" is
// recognized.
func extractLinkCode(serverID string, joinPrivate bool) (string, bool) {
	if serverID == "" {
		return "", false
	}
	if joinPrivate {
		return serverID, true
	}
	idx := strings.Index(serverID, linkCodeMarker)
	if idx < 0 {
		return "", false
	}
	code := serverID[idx+len(linkCodeMarker):]
	if amp := strings.IndexByte(code, '&'); amp >= 0 {
		code = code[:amp]
	}
	if code == "" {
		return "", false
	}
	return code, true
}

func (o *Orchestrator) record(ctx context.Context, accountKey string, targetID int64, serverID string, mode model.LaunchMode, requestedAt time.Time, result model.LaunchResult) {
	if o.hist == nil {
		return
	}
	completed := o.now().UTC()
	attempt := model.LaunchAttempt{
		AttemptID:   uuid.NewString(),
		AccountKey:  accountKey,
		TargetID:    targetID,
		ServerID:    serverID,
		Mode:        mode,
		ResultCode:  result.Code,
		Message:     result.Message,
		RequestedAt: requestedAt,
		CompletedAt: &completed,
	}
	if err := o.hist.RecordAttempt(ctx, attempt); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("history write failed", "code", model.ErrPersistence, "err", err)
	}
}
