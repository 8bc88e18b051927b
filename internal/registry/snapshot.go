package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"altdeck/internal/model"
)

// Snapshot is the persisted unit: every credential, the override queue,
// and the last-used target, serialized atomically. It is the single
// source of truth; there is no incremental diffing or transaction log.
type Snapshot struct {
	Accounts       map[string]model.Account
	Overrides      map[string]model.Override
	LastUsedTarget int64
}

// SnapshotStore is the durable storage collaborator. Load returns nil
// with no error when nothing has been saved yet.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(Snapshot) error
}

type accountJSON struct {
	UserID           int64      `json:"userId,omitempty"`
	SessionToken     string     `json:"sessionToken"`
	Password         string     `json:"password,omitempty"`
	Alias            string     `json:"alias,omitempty"`
	Description      string     `json:"description,omitempty"`
	Group            string     `json:"group,omitempty"`
	BrowserTrackerID string     `json:"browserTrackerId,omitempty"`
	AddedAt          time.Time  `json:"addedAt"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
}

type overrideJSON struct {
	TargetID int64     `json:"targetId"`
	ServerID string    `json:"serverId"`
	SetAt    time.Time `json:"setAt"`
}

type snapshotJSON struct {
	Accounts       map[string]accountJSON  `json:"accounts"`
	LastUsedTarget int64                   `json:"lastUsedTarget,omitempty"`
	NextServers    map[string]overrideJSON `json:"nextServers,omitempty"`
}

// FileStore persists the snapshot as one JSON file, written via temp
// file and rename so a crash mid-write never truncates the registry.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *FileStore) Save(snap Snapshot) error {
	doc := snapshotJSON{
		Accounts:       make(map[string]accountJSON, len(snap.Accounts)),
		LastUsedTarget: snap.LastUsedTarget,
		NextServers:    make(map[string]overrideJSON, len(snap.Overrides)),
	}
	for key, acct := range snap.Accounts {
		doc.Accounts[key] = accountJSON{
			UserID:           acct.UserID,
			SessionToken:     acct.SessionToken,
			Password:         acct.CapturedPassword,
			Alias:            acct.Alias,
			Description:      acct.Description,
			Group:            acct.Group,
			BrowserTrackerID: acct.BrowserTrackerID,
			AddedAt:          acct.AddedAt,
			LastUsedAt:       acct.LastUsedAt,
		}
	}
	for key, ov := range snap.Overrides {
		doc.NextServers[key] = overrideJSON{TargetID: ov.TargetID, ServerID: ov.ServerID, SetAt: ov.SetAt}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// decodeSnapshot accepts both the current format and the legacy one
// where the top-level object is the accounts mapping itself. The legacy
// form is detected by the absence of an "accounts" key and loads with an
// empty override queue and no last-used target.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	var doc snapshotJSON
	if _, ok := probe["accounts"]; ok {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse snapshot: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc.Accounts); err != nil {
			return nil, fmt.Errorf("parse legacy snapshot: %w", err)
		}
	}

	snap := &Snapshot{
		Accounts:       make(map[string]model.Account, len(doc.Accounts)),
		Overrides:      make(map[string]model.Override, len(doc.NextServers)),
		LastUsedTarget: doc.LastUsedTarget,
	}
	for key, acct := range doc.Accounts {
		snap.Accounts[key] = model.Account{
			AccountKey:       key,
			UserID:           acct.UserID,
			SessionToken:     acct.SessionToken,
			CapturedPassword: acct.Password,
			Alias:            acct.Alias,
			Description:      acct.Description,
			Group:            acct.Group,
			BrowserTrackerID: acct.BrowserTrackerID,
			AddedAt:          acct.AddedAt,
			LastUsedAt:       acct.LastUsedAt,
		}
	}
	for key, ov := range doc.NextServers {
		snap.Overrides[key] = model.Override{TargetID: ov.TargetID, ServerID: ov.ServerID, SetAt: ov.SetAt}
	}
	return snap, nil
}
