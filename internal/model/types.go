package model

import "time"

// Account is one stored session credential and its operator metadata.
// SessionToken and CapturedPassword are secrets and must never be logged.
type Account struct {
	AccountKey       string
	UserID           int64 // 0 when the remote identity lookup never resolved
	SessionToken     string
	CapturedPassword string
	Alias            string
	Description      string
	Group            string
	BrowserTrackerID string // 12-digit, lazily assigned on first launch
	AddedAt          time.Time
	LastUsedAt       *time.Time
}

// Override pre-assigns the server an account joins on its next launch
// against TargetID. At most one pending override exists per account.
type Override struct {
	TargetID int64
	ServerID string
	SetAt    time.Time
}

// Identity is the result of the remote identity lookup. Resolved is false
// when both lookup endpoints failed; UserID and Name are then unset.
type Identity struct {
	Resolved bool
	UserID   int64
	Name     string
}

type LaunchMode string

const (
	LaunchModeStandard LaunchMode = "standard"
	LaunchModeFollow   LaunchMode = "follow"
	LaunchModePrivate  LaunchMode = "private"
)

// LaunchRequest is one operator-issued launch. TargetID is kept raw so
// validation happens inside the orchestrator, not at the transport edge.
type LaunchRequest struct {
	AccountKey  string
	TargetID    string
	ServerID    string
	FollowUser  bool
	JoinPrivate bool
}

// LaunchResult is what the orchestrator reports back to the caller.
// Message is always operator-readable; Code is one of the Err* constants
// below, or CodeOK.
type LaunchResult struct {
	Success bool
	Code    string
	Message string
}

// LaunchAttempt is one row of the launch history log.
type LaunchAttempt struct {
	AttemptID   string
	AccountKey  string
	TargetID    int64
	ServerID    string
	Mode        LaunchMode
	ResultCode  string
	Message     string
	RequestedAt time.Time
	CompletedAt *time.Time
}

// Result and error codes surfaced by the orchestrator and control surface.
const (
	CodeOK              = "OK"
	ErrAccountNotFound  = "E_ACCOUNT_NOT_FOUND"
	ErrDuplicateAccount = "E_DUPLICATE_ACCOUNT"
	ErrInvalidTarget    = "E_INVALID_TARGET"
	ErrAuthExpired      = "E_AUTH_EXPIRED"
	ErrNoAccessCode     = "E_NO_ACCESS_CODE"
	ErrPersistence      = "E_PERSISTENCE"
	ErrRegistryCorrupt  = "E_REGISTRY_CORRUPT"
	ErrUnauthorized     = "E_UNAUTHORIZED"
)
