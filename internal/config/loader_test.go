package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/core/engine"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", t.TempDir())

		cfg, err := Load(newViper(t))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.Equal(t, DefaultStorePath(), cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		// Verify gateway defaults
		assert.Equal(t, 0, cfg.Gateway.Shards)
		assert.Equal(t, 10, cfg.Gateway.MaxReconnectAttempts)
		assert.Equal(t, 2*time.Minute, cfg.Gateway.ReconnectMax)
		assert.True(t, cfg.Gateway.ResumeSessions)
		assert.Contains(t, cfg.Gateway.IgnoredEvents, "TYPING_START")
		assert.Equal(t, 20*time.Second, cfg.Gateway.HelloTimeout)
		assert.Equal(t, 2*time.Minute, cfg.Source.LookupTTL)
		assert.Equal(t, PresenceConfig{Status: "online", ActivityType: "watching", Activity: "for new activity"}, cfg.Gateway.Presence)

		// Verify tracking defaults
		assert.Equal(t, 5*time.Second, cfg.Tracking.Tick)
		assert.Equal(t, 5*time.Minute, cfg.Tracking.Interval)
		assert.Equal(t, 4, cfg.Tracking.MaxConcurrent)
		assert.Equal(t, 3, cfg.Tracking.MaxSendAttempts)

		assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout)
		assert.Equal(t, 64, cfg.Cache.Partitions)
		assert.InDelta(t, 0.9, cfg.RateLimitMargin, 0.0001)
		assert.Empty(t, cfg.RateLimits)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("BEACON_GATEWAY_TOKEN", "secret")
		t.Setenv("BEACON_GATEWAY_SHARDS", "4")
		t.Setenv("BEACON_GATEWAY_IGNORED_EVENTS", "typing_start, presence_update")
		t.Setenv("BEACON_TRACKING_INTERVAL", "90s")
		t.Setenv("BEACON_RATE_LIMIT_MARGIN", "0.5")

		cfg, err := Load(newViper(t))
		require.NoError(t, err)
		assert.Equal(t, "secret", cfg.Gateway.Token)
		assert.Equal(t, 4, cfg.Gateway.Shards)
		assert.Equal(t, []string{"TYPING_START", "PRESENCE_UPDATE"}, cfg.Gateway.IgnoredEvents)
		assert.Equal(t, 90*time.Second, cfg.Tracking.Interval)
		assert.InDelta(t, 0.5, cfg.RateLimitMargin, 0.0001)
		require.NoError(t, cfg.ValidateServe())
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  token: from-file
source:
  base_url: https://activity.example.com/api
rate_limits:
  actor:
    requests: 3
    window: 30s
  channel:
    requests: 2
    window: 2s
    burst: 4
`), 0o600))

		v := newViper(t)
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.Gateway.Token)
		assert.Equal(t, "https://activity.example.com/api", cfg.Source.BaseURL)
		assert.Equal(t, engine.RateLimit{RequestsPerWindow: 3, WindowDuration: 30 * time.Second}, cfg.RateLimits["actor"])
		assert.Equal(t, engine.RateLimit{RequestsPerWindow: 2, WindowDuration: 2 * time.Second, Burst: 4}, cfg.RateLimits["channel"])
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(newViper(t))
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*Config){
		"negative shards":  func(c *Config) { c.Gateway.Shards = -1 },
		"reconnect bounds": func(c *Config) { c.Gateway.ReconnectMin = time.Hour },
		"port":             func(c *Config) { c.Server.Port = 70000 },
		"margin":           func(c *Config) { c.RateLimitMargin = 1.5 },
		"unknown class":    func(c *Config) { c.RateLimits = map[string]engine.RateLimit{"bogus": {RequestsPerWindow: 1}} },
		"zero requests":    func(c *Config) { c.RateLimits = map[string]engine.RateLimit{"actor": {}} },
		"relative url":     func(c *Config) { c.Source.BaseURL = "/api" },
		"hello timeout":    func(c *Config) { c.Gateway.HelloTimeout = -time.Second },
		"presence status":  func(c *Config) { c.Gateway.Presence.Status = "busy" },
		"activity type":    func(c *Config) { c.Gateway.Presence.ActivityType = "streaming" },
		"lookup ttl":       func(c *Config) { c.Source.LookupTTL = -time.Minute },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	require.Error(t, cfg.ValidateServe(), "token is required")
}

func TestDefaultStorePath(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	path := DefaultStorePath()
	assert.Equal(t, "beacon.db", filepath.Base(path))
}
