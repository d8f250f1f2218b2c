// Package config provides centralized configuration management for beacon.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

const (
	// AppName names the binary, config directory and data directory.
	AppName = "beacon"
	// EnvPrefix prefixes every environment override (BEACON_GATEWAY_TOKEN).
	EnvPrefix = "BEACON"
)

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every config key with its default. Keys must be
// known to viper for environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.intents", 513)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.shards", 0)
	v.SetDefault("gateway.ignored_events", []string{"TYPING_START", "PRESENCE_UPDATE", "VOICE_STATE_UPDATE"})
	v.SetDefault("gateway.max_reconnect_attempts", 10)
	v.SetDefault("gateway.reconnect_min", "1s")
	v.SetDefault("gateway.reconnect_max", "2m")
	v.SetDefault("gateway.hello_timeout", "20s")
	v.SetDefault("gateway.presence.status", "online")
	v.SetDefault("gateway.presence.activity_type", "watching")
	v.SetDefault("gateway.presence.activity", "for new activity")
	v.SetDefault("gateway.resume_sessions", true)

	// REST defaults
	v.SetDefault("rest.base_url", "https://discord.com/api/v10")
	v.SetDefault("rest.timeout", "15s")
	v.SetDefault("rest.user_agent", "DiscordBot (https://github.com/beaconbot/beacon, 0.1)")

	// Cache defaults
	v.SetDefault("cache.partitions", 64)

	// Dispatch defaults
	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("dispatch.usage_flush_interval", "1m")
	v.SetDefault("dispatch.drain_timeout", "15s")

	// Tracking defaults
	td := tracking.DefaultConfig()
	v.SetDefault("tracking.tick", td.Tick.String())
	v.SetDefault("tracking.interval", td.Interval.String())
	v.SetDefault("tracking.busy_interval", td.BusyInterval.String())
	v.SetDefault("tracking.busy_subscribers", td.BusySubscribers)
	v.SetDefault("tracking.max_concurrent", td.MaxConcurrent)
	v.SetDefault("tracking.max_send_attempts", td.MaxSendAttempts)
	v.SetDefault("tracking.send_backoff", td.SendBackoff.String())
	v.SetDefault("tracking.max_send_backoff", td.MaxSendBackoff.String())
	v.SetDefault("tracking.failure_escalation", td.FailureEscalation)
	v.SetDefault("tracking.poll_timeout", td.PollTimeout.String())
	v.SetDefault("tracking.max_items_per_notice", td.MaxItemsPerNotice)

	// Source defaults
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.token", "")
	v.SetDefault("source.timeout", "20s")
	v.SetDefault("source.lookup_ttl", "2m")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.pprof", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Rate limit overrides (optional)
	v.SetDefault("rate_limits", map[string]any{})
	v.SetDefault("rate_limit_margin", 0.9)
	v.SetDefault("rate_limit_sweep", "10m")
}

// BindEnv enables BEACON_* overrides for every registered key, mapping
// nested keys with underscores (gateway.token -> BEACON_GATEWAY_TOKEN).
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the settings held by v into a Config and validates it.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("viper instance is required")
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.Gateway.IgnoredEvents = normalizeEvents(cfg.Gateway.IgnoredEvents)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate reports the first invalid setting. Credentials are checked by
// ValidateServe since admin commands run without them.
func (c *Config) Validate() error {
	if c.Gateway.Shards < 0 {
		return fmt.Errorf("gateway.shards must not be negative")
	}
	if c.Gateway.MaxReconnectAttempts < 0 {
		return fmt.Errorf("gateway.max_reconnect_attempts must not be negative")
	}
	if c.Gateway.ReconnectMax > 0 && c.Gateway.ReconnectMin > c.Gateway.ReconnectMax {
		return fmt.Errorf("gateway.reconnect_min must not exceed gateway.reconnect_max")
	}
	if c.Gateway.HelloTimeout < 0 {
		return fmt.Errorf("gateway.hello_timeout must not be negative")
	}
	if _, err := c.Gateway.Presence.Build(); err != nil {
		return fmt.Errorf("gateway.presence: %w", err)
	}
	if c.Cache.Partitions < 0 {
		return fmt.Errorf("cache.partitions must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.RateLimitMargin < 0 || c.RateLimitMargin > 1 {
		return fmt.Errorf("rate_limit_margin must be within [0, 1]")
	}
	for class, limit := range c.RateLimits {
		if _, known := engine.DefaultLimits[class]; !known {
			return fmt.Errorf("rate_limits: unknown class %q", class)
		}
		if limit.RequestsPerWindow <= 0 {
			return fmt.Errorf("rate_limits.%s.requests must be positive", class)
		}
	}
	if c.Source.LookupTTL < 0 {
		return fmt.Errorf("source.lookup_ttl must not be negative")
	}
	for name, raw := range map[string]string{"rest.base_url": c.REST.BaseURL, "source.base_url": c.Source.BaseURL} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s is not an absolute URL: %q", name, raw)
		}
	}
	return nil
}

// ValidateServe additionally requires what the running bot needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Gateway.Token) == "" {
		return fmt.Errorf("gateway.token is required (set %s_GATEWAY_TOKEN)", EnvPrefix)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		event = strings.ToUpper(strings.TrimSpace(event))
		if event != "" {
			out = append(out, event)
		}
	}
	return out
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// Build turns the presence settings into the identify payload.
func (p PresenceConfig) Build() (*gateway.Presence, error) {
	return gateway.NewPresence(p.Status, p.ActivityType, p.Activity)
}
