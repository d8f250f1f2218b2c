package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

// LoadMarkers returns the last announced item of every tracked resource.
func (s *Store) LoadMarkers(ctx context.Context) (map[string]core.Marker, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT resource, at, item_id FROM tracked_markers`)
	if err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	markers := make(map[string]core.Marker)
	for rows.Next() {
		var (
			resource string
			at       int64
			itemID   string
		)
		if err := rows.Scan(&resource, &at, &itemID); err != nil {
			return nil, fmt.Errorf("scan markers: %w", err)
		}
		marker := core.Marker{ItemID: itemID}
		if at != 0 {
			marker.At = time.Unix(0, at).UTC()
		}
		markers[resource] = marker
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	return markers, nil
}

// SaveMarker persists the marker of a resource. Times keep nanosecond
// precision so ordering against fetched items is exact.
func (s *Store) SaveMarker(ctx context.Context, resource string, marker core.Marker) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource = strings.TrimSpace(resource)
	if resource == "" {
		return errors.New("resource is required")
	}
	var at int64
	if !marker.At.IsZero() {
		at = marker.At.UnixNano()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tracked_markers (resource, at, item_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			at = excluded.at,
			item_id = excluded.item_id,
			updated_at = excluded.updated_at
	`, resource, at, marker.ItemID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}

// DeleteMarker forgets the marker of a resource.
func (s *Store) DeleteMarker(ctx context.Context, resource string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tracked_markers WHERE resource = ?`, strings.TrimSpace(resource)); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}
