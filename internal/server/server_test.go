package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/config"
	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/gateway"
	apperrors "github.com/beaconbot/beacon/internal/errors"
	"github.com/beaconbot/beacon/internal/server/handlers"
)

func testServer(providers handlers.StatusProviders) *Server {
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, providers)
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := testServer(handlers.StatusProviders{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := testServer(handlers.StatusProviders{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status/shards", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerRoutesStatusEndpoints(t *testing.T) {
	srv := testServer(handlers.StatusProviders{
		Shards: func() []gateway.ShardStatus {
			return []gateway.ShardStatus{{ID: 0, State: core.ShardConnected}}
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/shards", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.ShardsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Connected)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/tracking", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminEndpointRequiresToken(t *testing.T) {
	t.Setenv(AdminTokenEnv, "")
	srv := testServer(handlers.StatusProviders{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/signal", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := testServer(handlers.StatusProviders{})
	require.NoError(t, srv.Shutdown(t.Context()))
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	srv := testServer(handlers.StatusProviders{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv = New(config.ServerConfig{Host: "127.0.0.1", Pprof: true}, handlers.StatusProviders{})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
