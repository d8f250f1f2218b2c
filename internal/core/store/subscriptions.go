package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

// SubscriptionQuery selects subscriptions for the admin commands.
type SubscriptionQuery struct {
	All       bool
	Resource  string
	ChannelID core.ID
	GuildID   core.ID
}

// Validate requires an explicit selector so an empty query never matches
// every row by accident.
func (q SubscriptionQuery) Validate() error {
	if q.All || strings.TrimSpace(q.Resource) != "" || q.ChannelID != 0 || q.GuildID != 0 {
		return nil
	}
	return errors.New("must specify --all, --resource, --channel, or --guild")
}

func (q SubscriptionQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}

	var (
		clauses []string
		args    []any
	)
	if resource := strings.TrimSpace(q.Resource); resource != "" {
		clauses = append(clauses, "resource = ?")
		args = append(args, resource)
	}
	if q.ChannelID != 0 {
		clauses = append(clauses, "channel_id = ?")
		args = append(args, int64(q.ChannelID))
	}
	if q.GuildID != 0 {
		clauses = append(clauses, "guild_id = ?")
		args = append(args, int64(q.GuildID))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// LoadSubscriptions returns every persisted subscription.
func (s *Store) LoadSubscriptions(ctx context.Context) ([]core.Subscription, error) {
	return s.ListSubscriptions(ctx, SubscriptionQuery{All: true})
}

// ListSubscriptions returns the subscriptions matching q ordered by resource
// and channel.
func (s *Store) ListSubscriptions(ctx context.Context, q SubscriptionQuery) ([]core.Subscription, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT resource, channel_id, guild_id, flags, created_by, created_at
		FROM subscriptions
		%s
		ORDER BY resource, channel_id
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	subs := []core.Subscription{}
	for rows.Next() {
		var (
			resource  string
			channelID int64
			guildID   int64
			flags     int64
			createdBy sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&resource, &channelID, &guildID, &flags, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscriptions: %w", err)
		}
		sub := core.Subscription{
			Resource:  resource,
			ChannelID: core.ID(channelID),
			GuildID:   core.ID(guildID),
			Flags:     core.SubscriptionFlags(flags),
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		}
		if createdBy.Valid {
			sub.CreatedBy = core.ID(createdBy.Int64)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// CountSubscriptions counts the subscriptions matching q.
func (s *Store) CountSubscriptions(ctx context.Context, q SubscriptionQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	var count int
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM subscriptions %s`, where), args...)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// SaveSubscription inserts or replaces a subscription.
func (s *Store) SaveSubscription(ctx context.Context, sub core.Subscription) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource := strings.TrimSpace(sub.Resource)
	if resource == "" || sub.ChannelID == 0 {
		return errors.New("resource and channel are required")
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var createdBy sql.NullInt64
	if sub.CreatedBy != 0 {
		createdBy = sql.NullInt64{Int64: int64(sub.CreatedBy), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (resource, channel_id, guild_id, flags, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource, channel_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			flags = excluded.flags,
			created_by = excluded.created_by,
			created_at = excluded.created_at
	`, resource, int64(sub.ChannelID), int64(sub.GuildID), int64(sub.Flags), createdBy, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes one subscription. Missing rows are not an error.
func (s *Store) DeleteSubscription(ctx context.Context, resource string, channelID core.ID) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE resource = ? AND channel_id = ?
	`, strings.TrimSpace(resource), int64(channelID)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// DeleteChannelSubscriptions removes every subscription of a channel and
// reports how many rows were deleted.
func (s *Store) DeleteChannelSubscriptions(ctx context.Context, channelID core.ID) (int, error) {
	removed, err := s.DeleteSubscriptions(ctx, SubscriptionQuery{ChannelID: channelID})
	return int(removed), err
}

// DeleteSubscriptions removes the subscriptions matching q.
func (s *Store) DeleteSubscriptions(ctx context.Context, q SubscriptionQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM subscriptions %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions: %w", err)
	}
	return affected, nil
}
