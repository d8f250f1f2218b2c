package store

import (
	"testing"

	"github.com/beaconbot/beacon/internal/config"
	"github.com/stretchr/testify/require"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithExistingQuery", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io?foo=bar",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123&foo=bar", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		cfg := config.StoreConfig{Path: "file:./beacon.db"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "file:./beacon.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		cfg := config.StoreConfig{}

		_, err := buildLibsqlDSN(cfg)
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		cfg := config.StoreConfig{Path: ":memory:"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestSubscriptionQueryWhereClause(t *testing.T) {
	_, _, err := SubscriptionQuery{}.whereClause()
	require.Error(t, err)

	where, args, err := SubscriptionQuery{All: true, Resource: "ignored"}.whereClause()
	require.NoError(t, err)
	require.Empty(t, where)
	require.Empty(t, args)

	where, args, err = SubscriptionQuery{Resource: " github:octo ", GuildID: 7}.whereClause()
	require.NoError(t, err)
	require.Equal(t, "WHERE resource = ? AND guild_id = ?", where)
	require.Equal(t, []any{"github:octo", int64(7)}, args)
}
