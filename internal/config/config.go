package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string `env:"GW_ADDR" envDefault:":8080"`
	NodeID         string `env:"GW_NODE_ID"` // defaults to hostname when empty
	MaxConnections int    `env:"GW_MAX_CONNECTIONS" envDefault:"1000"`

	// How long an unauthenticated connection may idle before it is closed.
	// Zero disables the timeout.
	AuthTimeout time.Duration `env:"GW_AUTH_TIMEOUT" envDefault:"0"`

	// Redis (cluster-shared state)
	RedisAddr     string        `env:"GW_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"GW_REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"GW_REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"GW_REDIS_PREFIX" envDefault:"pubgate:"`
	StateTTL      time.Duration `env:"GW_STATE_TTL" envDefault:"1h"`
	SweepInterval time.Duration `env:"GW_SWEEP_INTERVAL" envDefault:"5m"`

	// Authentication
	AuthProvider string        `env:"GW_AUTH_PROVIDER" envDefault:"token"` // token or session
	AuthSecret   string        `env:"GW_AUTH_SECRET" envDefault:""`
	TokenExpiry  time.Duration `env:"GW_TOKEN_EXPIRY" envDefault:"1h"`

	// Channel classification
	PrivateChannels  []string `env:"GW_PRIVATE_CHANNELS" envSeparator:"," envDefault:"user.*,chat.*,private.*"`
	PresenceChannels []string `env:"GW_PRESENCE_CHANNELS" envSeparator:"," envDefault:"chat.*,room.*"`

	// Rate limiting (admission control)
	RateLimitEnabled    bool     `env:"GW_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnectionsPerIP    int      `env:"GW_CONNECTIONS_PER_IP" envDefault:"10"`
	MessagesPerMinute   int      `env:"GW_MESSAGES_PER_MINUTE" envDefault:"60"`
	BurstLimit          int      `env:"GW_BURST_LIMIT" envDefault:"10"`
	RateLimitWhitelist  []string `env:"GW_RATE_LIMIT_WHITELIST" envSeparator:"," envDefault:"127.0.0.1,::1"`
	RateLimitBlacklist  []string `env:"GW_RATE_LIMIT_BLACKLIST" envSeparator:","`
	RateLimitFailClosed bool     `env:"GW_RATE_LIMIT_FAIL_CLOSED" envDefault:"false"`

	// Node-local frame guard (token bucket per connection)
	FrameGuardRate  float64 `env:"GW_FRAME_GUARD_RATE" envDefault:"10"`
	FrameGuardBurst int     `env:"GW_FRAME_GUARD_BURST" envDefault:"100"`

	// Cross-node relay (disabled when empty)
	RelayURL string `env:"GW_RELAY_URL" envDefault:""`

	// Offline message queue
	OfflineMessageTTL time.Duration `env:"GW_OFFLINE_MESSAGE_TTL" envDefault:"24h"`
	OfflineMessageMax int           `env:"GW_OFFLINE_MESSAGE_MAX" envDefault:"1000"`

	// Health thresholds
	HealthMaxMemoryMB    int `env:"GW_HEALTH_MAX_MEMORY_MB" envDefault:"512"`
	HealthMaxConnections int `env:"GW_HEALTH_MAX_CONNECTIONS" envDefault:"900"`

	// Metrics
	MetricsRetention time.Duration `env:"GW_METRICS_RETENTION" envDefault:"168h"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.AuthProvider != "token" && c.AuthProvider != "session" {
		return fmt.Errorf("GW_AUTH_PROVIDER must be token or session (got: %s)", c.AuthProvider)
	}
	if c.AuthProvider == "token" && c.AuthSecret == "" {
		return fmt.Errorf("GW_AUTH_SECRET is required for the token provider")
	}
	if c.ConnectionsPerIP < 1 || c.MessagesPerMinute < 1 || c.BurstLimit < 1 {
		return fmt.Errorf("rate limit thresholds must be > 0")
	}
	if c.OfflineMessageMax < 1 {
		return fmt.Errorf("GW_OFFLINE_MESSAGE_MAX must be > 0, got %d", c.OfflineMessageMax)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Int("max_connections", c.MaxConnections).
		Dur("auth_timeout", c.AuthTimeout).
		Str("redis_addr", c.RedisAddr).
		Str("redis_prefix", c.RedisPrefix).
		Dur("state_ttl", c.StateTTL).
		Str("auth_provider", c.AuthProvider).
		Str("private_channels", strings.Join(c.PrivateChannels, ",")).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Int("connections_per_ip", c.ConnectionsPerIP).
		Int("messages_per_minute", c.MessagesPerMinute).
		Int("burst_limit", c.BurstLimit).
		Bool("rate_limit_fail_closed", c.RateLimitFailClosed).
		Str("relay_url", c.RelayURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
