package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

func serve(t *testing.T, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	return rec
}

func TestStatusShards(t *testing.T) {
	h := NewStatusHandlers(StatusProviders{
		Shards: func() []gateway.ShardStatus {
			return []gateway.ShardStatus{
				{ID: 0, State: core.ShardConnected, LatencyMS: 40},
				{ID: 1, State: core.ShardResuming},
			}
		},
	})

	rec := serve(t, h.Shards)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ShardsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Shards, 2)
	assert.Equal(t, 1, resp.Connected)
	assert.Equal(t, core.ShardResuming, resp.Shards[1].State)
}

func TestStatusTrackingEmptyList(t *testing.T) {
	h := NewStatusHandlers(StatusProviders{
		Tracking: func() []tracking.ResourceStatus { return nil },
	})

	rec := serve(t, h.Tracking)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resources":[]`)
}

func TestStatusCommandsIncludesUnusedCommands(t *testing.T) {
	h := NewStatusHandlers(StatusProviders{
		Usage:    func() map[string]int64 { return map[string]int64{"ping": 3, "track": 5} },
		Commands: func() []string { return []string{"ping", "track", "guildinfo"} },
	})

	rec := serve(t, h.Commands)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CommandsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []CommandUsage{
		{Name: "track", Count: 5},
		{Name: "ping", Count: 3},
		{Name: "guildinfo", Count: 0},
	}, resp.Commands)
	assert.Equal(t, int64(8), resp.Total)
}

func TestStatusCache(t *testing.T) {
	h := NewStatusHandlers(StatusProviders{
		Cache: func() cache.Stats { return cache.Stats{Guilds: 2, Channels: 9} },
	})

	rec := serve(t, h.Cache)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CacheResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Guilds)
	assert.Equal(t, 9, resp.Channels)
}

func TestStatusWithoutProviderIsUnavailable(t *testing.T) {
	ResetHTTPErrorResponder()
	h := NewStatusHandlers(StatusProviders{})

	for name, handler := range map[string]http.HandlerFunc{
		"shards":   h.Shards,
		"tracking": h.Tracking,
		"commands": h.Commands,
		"cache":    h.Cache,
	} {
		rec := serve(t, handler)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, name)

		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), name)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code, name)
	}
}
