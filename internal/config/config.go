package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Upstream  UpstreamConfig
	Relay     RelayConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration. PublicURL is the base
// URL pages use to reach the broker; it ends up inside issued
// bootstrap lines.
type ServerConfig struct {
	Port      string `envconfig:"PORT" default:"8000"`
	Host      string `envconfig:"HOST" default:"0.0.0.0"`
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:8000"`
}

// StoreConfig selects the shared coordination store. Backend is
// "memory" or "redis".
type StoreConfig struct {
	Backend  string `envconfig:"STORE_BACKEND" default:"memory"`
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// UpstreamConfig holds agent service connection settings.
type UpstreamConfig struct {
	URL      string `envconfig:"UPSTREAM_URL" default:"http://localhost:9000"`
	RetryMax int    `envconfig:"UPSTREAM_RETRY_MAX" default:"3"`
}

// RelayConfig holds broker and conversation lifetimes.
type RelayConfig struct {
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"30m"`
	PresenceTTL     time.Duration `envconfig:"PRESENCE_TTL" default:"60s"`
	ConversationTTL time.Duration `envconfig:"CONVERSATION_TTL" default:"30m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8000",
			Host:      "0.0.0.0",
			PublicURL: "http://localhost:8000",
		},
		Store: StoreConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
		},
		Upstream: UpstreamConfig{
			URL:      "http://localhost:9000",
			RetryMax: 3,
		},
		Relay: RelayConfig{
			SessionTTL:      30 * time.Minute,
			PresenceTTL:     60 * time.Second,
			ConversationTTL: 30 * time.Minute,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
