package config

import (
	"time"

	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

// Config represents the complete application configuration. Values are
// layered as: defaults set in code, the YAML config file, then BEACON_*
// environment variables and command flags.
type Config struct {
	Gateway  GatewayConfig   `mapstructure:"gateway"`
	REST     RESTConfig      `mapstructure:"rest"`
	Cache    CacheConfig     `mapstructure:"cache"`
	Dispatch DispatchConfig  `mapstructure:"dispatch"`
	Tracking tracking.Config `mapstructure:"tracking"`
	Source   SourceConfig    `mapstructure:"source"`
	Store    StoreConfig     `mapstructure:"store"`
	Server   ServerConfig    `mapstructure:"server"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`

	// RateLimits overrides limiter classes (actor, guild, channel, endpoint,
	// identify, global).
	RateLimits      map[string]engine.RateLimit `mapstructure:"rate_limits"`
	RateLimitMargin float64                     `mapstructure:"rate_limit_margin"`
	// RateLimitSweep is how often idle limiter buckets are dropped.
	RateLimitSweep time.Duration `mapstructure:"rate_limit_sweep"`
}

// GatewayConfig contains gateway connection settings.
type GatewayConfig struct {
	Token   string `mapstructure:"token"`
	Intents int    `mapstructure:"intents"`

	// URL overrides the gateway URL returned by the REST API.
	URL string `mapstructure:"url"`
	// Shards overrides the recommended shard count when positive.
	Shards int `mapstructure:"shards"`

	IgnoredEvents        []string      `mapstructure:"ignored_events"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectMin         time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	HelloTimeout         time.Duration `mapstructure:"hello_timeout"`

	Presence PresenceConfig `mapstructure:"presence"`

	// ResumeSessions persists shard sessions on shutdown and resumes them
	// on the next start.
	ResumeSessions bool `mapstructure:"resume_sessions"`
}

// PresenceConfig is the status every shard announces at identify.
type PresenceConfig struct {
	Status       string `mapstructure:"status"`
	ActivityType string `mapstructure:"activity_type"`
	Activity     string `mapstructure:"activity"`
}

// RESTConfig contains outbound API settings.
type RESTConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CacheConfig contains shared state cache settings.
type CacheConfig struct {
	Partitions int `mapstructure:"partitions"`
}

// DispatchConfig contains command dispatch settings.
type DispatchConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	UsageFlushInterval time.Duration `mapstructure:"usage_flush_interval"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// SourceConfig contains the external activity API settings.
type SourceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`

	// LookupTTL keeps on-demand lookups (/recent) in the store. Zero
	// disables the cache.
	LookupTTL time.Duration `mapstructure:"lookup_ttl"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Pprof mounts the runtime profiler under /debug.
	// WARNING: Only enable in development/staging environments
	Pprof bool `mapstructure:"pprof"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}
