package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggersSatisfyCoreInterface(t *testing.T) {
	InitCLILogger("beacon-test", true)
	require.NotNil(t, CLILogger)

	InitServerLogger("beacon-test", ServerOptions{Level: "debug", Namespace: "beacon"})
	require.NotNil(t, ServerLogger)

	var logger Logger = ServerLogger
	logger.Info("Shard connected", zap.Int("shard", 0))

	logger = zap.NewNop()
	logger.Debug("ignored")
}

func TestServerLoggerConfig(t *testing.T) {
	cfg := serverLoggerConfig("beacon", ServerOptions{Level: "WARN", Namespace: "beacon"})
	assert.Equal(t, logging.ProfileStructured, cfg.Profile)
	assert.Equal(t, "WARN", cfg.DefaultLevel)
	assert.Equal(t, "json", cfg.Sinks[0].Format)
	assert.Equal(t, "beacon", cfg.StaticFields["namespace"])
	require.NotEmpty(t, cfg.Middleware)
	assert.Equal(t, "redaction", cfg.Middleware[0].Type)
	assert.Contains(t, cfg.Middleware[0].Redaction.Fields, "bot_token")
	assert.Contains(t, cfg.Middleware[0].Redaction.Fields, "token")

	simple := serverLoggerConfig("beacon", ServerOptions{Profile: "simple"})
	assert.Equal(t, logging.ProfileSimple, simple.Profile)
	assert.Equal(t, "console", simple.Sinks[0].Format)
	assert.Empty(t, simple.StaticFields)
}

func TestComponentTagsEntries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Component(zap.New(core), "tracking").Info("Tracking engine started", zap.Int("max_concurrent", 4))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tracking", entries[0].ContextMap()["component"])
	assert.EqualValues(t, 4, entries[0].ContextMap()["max_concurrent"])

	require.NotNil(t, Component(nil, "gateway"))
	InitServerLogger("beacon-test", ServerOptions{Level: "info"})
	Component(ServerLogger, "gateway").Info("Shard connected", zap.Int("shard", 1))
}

func TestInitMetricsReportsBoundPort(t *testing.T) {
	require.ErrorIs(t, MetricsReady(), ErrMetricsDisabled)

	require.NoError(t, InitMetrics("beacon_test", 0))
	t.Cleanup(func() {
		_ = StopMetrics()
		TelemetrySystem = nil
	})
	require.NoError(t, MetricsReady())
	assert.Positive(t, GetMetricsPort())
	assert.NoError(t, TelemetrySystem.Counter("shard_reconnects_total", 1, map[string]string{"shard": "0"}))

	require.NoError(t, StopMetrics())
	assert.ErrorIs(t, MetricsReady(), ErrMetricsDisabled)
	assert.Zero(t, GetMetricsPort())
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))

	nop := zap.NewNop()
	assert.Same(t, nop, OrNop(nop))
}

func TestServerFallsBackToNop(t *testing.T) {
	previous := ServerLogger
	t.Cleanup(func() { ServerLogger = previous })

	ServerLogger = nil
	require.NotNil(t, Server())
	Server().Warn("no server logger yet")
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		"info":    "INFO",
		"warning": "WARN",
		"error":   "ERROR",
		"loud":    "INFO",
		" Debug ": "DEBUG",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestCrucibleVersionAvailable(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}
