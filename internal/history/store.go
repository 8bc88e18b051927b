// Package history keeps the launch-attempt audit log in sqlite. The log
// is observational: the registry snapshot stays the source of truth for
// credentials, and a history write failure never fails a launch.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"altdeck/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) RecordAttempt(ctx context.Context, attempt model.LaunchAttempt) error {
	var completed any
	if attempt.CompletedAt != nil {
		completed = ts(*attempt.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO launch_attempts(attempt_id, account_key, target_id, server_id, mode, result_code, message, requested_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, attempt.AttemptID, attempt.AccountKey, attempt.TargetID, attempt.ServerID, string(attempt.Mode), attempt.ResultCode, attempt.Message, ts(attempt.RequestedAt), completed)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempts first, optionally
// filtered to one account. limit <= 0 means no limit.
func (s *Store) ListAttempts(ctx context.Context, accountKey string, limit int) ([]model.LaunchAttempt, error) {
	query := `
SELECT attempt_id, account_key, target_id, server_id, mode, result_code, message, requested_at, completed_at
FROM launch_attempts`
	args := []any{}
	if accountKey != "" {
		query += ` WHERE account_key = ?`
		args = append(args, accountKey)
	}
	query += ` ORDER BY requested_at DESC, attempt_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LaunchAttempt
	for rows.Next() {
		var (
			attempt     model.LaunchAttempt
			mode        string
			requestedAt string
			completedAt sql.NullString
		)
		if err := rows.Scan(&attempt.AttemptID, &attempt.AccountKey, &attempt.TargetID, &attempt.ServerID, &mode, &attempt.ResultCode, &attempt.Message, &requestedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempt.Mode = model.LaunchMode(mode)
		t, err := parseTS(requestedAt)
		if err != nil {
			return nil, fmt.Errorf("parse requested_at: %w", err)
		}
		attempt.RequestedAt = t
		if completedAt.Valid {
			t, err := parseTS(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at: %w", err)
			}
			attempt.CompletedAt = &t
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// PurgeBefore drops attempts requested before the cutoff, returning the
// number removed.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM launch_attempts WHERE requested_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge attempts rows: %w", err)
	}
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
