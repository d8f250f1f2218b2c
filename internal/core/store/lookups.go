package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetCachedLookup returns the cached body of a lookup, or nil when there is
// no entry or it expired.
func (s *Store) GetCachedLookup(ctx context.Context, kind, key string) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	kind, key = strings.TrimSpace(kind), strings.TrimSpace(key)
	if kind == "" || key == "" {
		return nil, errors.New("lookup kind and key are required")
	}

	var body []byte
	row := s.DB.QueryRowContext(ctx, `
		SELECT body FROM lookup_cache
		WHERE kind = ? AND key = ? AND expires_at > ?
	`, kind, key, time.Now().UTC().UnixNano())
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch cached lookup: %w", err)
	}
	return body, nil
}

// SetCachedLookup stores the body of a lookup for ttl. A non-positive ttl
// stores nothing.
func (s *Store) SetCachedLookup(ctx context.Context, kind, key string, body []byte, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 || body == nil {
		return nil
	}

	kind, key = strings.TrimSpace(kind), strings.TrimSpace(key)
	if kind == "" || key == "" {
		return errors.New("lookup kind and key are required")
	}

	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lookup_cache (kind, key, body, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			body = excluded.body,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at
	`, kind, key, body, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("store cached lookup: %w", err)
	}
	return nil
}

// PurgeExpiredLookups deletes expired lookup entries and reports how many
// were removed.
func (s *Store) PurgeExpiredLookups(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.DB.ExecContext(ctx, `DELETE FROM lookup_cache WHERE expires_at <= ?`, time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired lookups: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired lookups: %w", err)
	}
	return int(removed), nil
}
