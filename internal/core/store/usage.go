package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadCommandUsage returns the invocation count of every command.
func (s *Store) LoadCommandUsage(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT command, count FROM command_usage`)
	if err != nil {
		return nil, fmt.Errorf("load command usage: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	usage := make(map[string]int64)
	for rows.Next() {
		var (
			command string
			count   int64
		)
		if err := rows.Scan(&command, &count); err != nil {
			return nil, fmt.Errorf("scan command usage: %w", err)
		}
		usage[command] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load command usage: %w", err)
	}
	return usage, nil
}

// AddCommandUsage adds deltas to the stored counters in one transaction.
func (s *Store) AddCommandUsage(ctx context.Context, deltas map[string]int64) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage update: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	now := time.Now().Unix()
	for command, delta := range deltas {
		if delta == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO command_usage (command, count, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(command) DO UPDATE SET
				count = count + excluded.count,
				updated_at = excluded.updated_at
		`, command, delta, now); err != nil {
			return fmt.Errorf("update command usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage update: %w", err)
	}
	return nil
}
