package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })
	return collector
}

// statusRouter mirrors the bot's HTTP surface.
func statusRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, RequestMetrics)
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	r.Get("/health/ready", ok)
	r.Route("/status", func(r chi.Router) {
		r.Get("/shards", ok)
		r.Get("/tracking", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	})
	return r
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func endpoints(collector *telemetrytesting.FakeCollector, name string) []string {
	var out []string
	for _, m := range collector.GetMetricsByName(name) {
		out = append(out, m.Tags["endpoint"])
	}
	return out
}

func TestRequestMetricsLabelsStatusRoutes(t *testing.T) {
	collector := setupTelemetry(t)
	router := statusRouter()

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/status/shards").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(router, http.MethodGet, "/status/tracking").Code)

	assert.Equal(t, []string{"/status/shards", "/status/tracking"}, endpoints(collector, HTTPRequestsTotal))
	assert.Len(t, collector.GetMetricsByName(HTTPRequestDuration), 2)

	errs := collector.GetMetricsByName(HTTPErrorsTotal)
	require.Len(t, errs, 1)
	assert.Equal(t, "/status/tracking", errs[0].Tags["endpoint"])
	assert.Equal(t, "server_error", errs[0].Tags["error_type"])
	assert.Equal(t, "503", errs[0].Tags["status"])
}

func TestRequestMetricsBoundsUnknownPaths(t *testing.T) {
	collector := setupTelemetry(t)
	router := statusRouter()

	for _, path := range []string{"/status/shards/7", "/wp-login.php", "/status/nope"} {
		assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, path).Code, path)
	}

	for _, endpoint := range endpoints(collector, HTTPRequestsTotal) {
		assert.Contains(t, []string{"/status/*", "/unknown"}, endpoint)
	}
	assert.Len(t, collector.GetMetricsByName(HTTPErrorsTotal), 3)
}

func TestRouteLabelWithoutRouter(t *testing.T) {
	tests := map[string]string{
		"/health":            "/health/*",
		"/health/ready":      "/health/*",
		"/status/commands":   "/status/*",
		"/debug/pprof/heap":  "/debug/*",
		"/admin/signal":      "/admin/*",
		"/version":           "/version",
		"/metrics":           "/metrics",
		"/":                  "/",
		"/statusfoo":         "/unknown",
		"/api/guilds/123456": "/unknown",
	}
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, want, routeLabel(httptest.NewRequest(http.MethodGet, path, nil)))
		})
	}
}

func TestRequestMetricsWithTelemetryDisabled(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	assert.Equal(t, http.StatusOK, serve(statusRouter(), http.MethodGet, "/health/ready").Code)
}

func TestRequestIDKeepsCallerTokenAndReplacesJunk(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/status/shards", nil)
	req.Header.Set(RequestIDHeader, "interaction-1234")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "interaction-1234", seen)
	assert.Equal(t, "interaction-1234", rec.Header().Get(RequestIDHeader))

	for _, junk := range []string{"", "has spaces", "line\nbreak", strings.Repeat("a", 65)} {
		req := httptest.NewRequest(http.MethodGet, "/status/shards", nil)
		req.Header.Set(RequestIDHeader, junk)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.NotEqual(t, junk, seen)
		assert.Len(t, seen, 36, "expected a generated UUID for %q", junk)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	}
}
