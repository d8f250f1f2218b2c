package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		resource TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		guild_id INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,
		created_by INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (resource, channel_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_channel ON subscriptions(channel_id);`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_guild ON subscriptions(guild_id);`,
	`CREATE TABLE IF NOT EXISTS tracked_markers (
		resource TEXT PRIMARY KEY,
		at INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS shard_sessions (
		shard_id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		resume_url TEXT,
		sequence INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS command_usage (
		command TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS lookup_cache (
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		body BLOB NOT NULL,
		fetched_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (kind, key)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_lookup_cache_expires ON lookup_cache(expires_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if err := s.ensureColumn(ctx, "subscriptions", "flags", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
