package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

// SessionEntry is a persisted shard session with its last update time.
type SessionEntry struct {
	core.Session `yaml:",inline"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// LoadSessions returns the persisted resume session of every shard.
func (s *Store) LoadSessions(ctx context.Context) ([]core.Session, error) {
	entries, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]core.Session, 0, len(entries))
	for _, entry := range entries {
		sessions = append(sessions, entry.Session)
	}
	return sessions, nil
}

// ListSessions returns persisted sessions ordered by shard id.
func (s *Store) ListSessions(ctx context.Context) ([]SessionEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT shard_id, session_id, resume_url, sequence, updated_at
		FROM shard_sessions
		ORDER BY shard_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []SessionEntry{}
	for rows.Next() {
		var (
			entry     SessionEntry
			resumeURL sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&entry.ShardID, &entry.SessionID, &resumeURL, &entry.Sequence, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		if resumeURL.Valid {
			entry.ResumeURL = resumeURL.String
		}
		entry.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return entries, nil
}

// SaveSession persists a shard session, replacing any previous one.
func (s *Store) SaveSession(ctx context.Context, session core.Session) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if session.SessionID == "" {
		return errors.New("session id is required")
	}

	var resumeURL sql.NullString
	if session.ResumeURL != "" {
		resumeURL = sql.NullString{String: session.ResumeURL, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO shard_sessions (shard_id, session_id, resume_url, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			resume_url = excluded.resume_url,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at
	`, session.ShardID, session.SessionID, resumeURL, session.Sequence, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession drops the session of a shard.
func (s *Store) DeleteSession(ctx context.Context, shardID int) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM shard_sessions WHERE shard_id = ?`, shardID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
