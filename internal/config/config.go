package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// ErrMissingDatabaseURL is returned when no database DSN is configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// DefaultFailureMarkers are body fragments the portal returns (with HTTP 200) when a session is rejected.
var DefaultFailureMarkers = []string{
	"Authorization failed",
	"Access denied",
	"Device ID mismatch",
	"Signature mismatch",
}

// Config holds application configuration: storage, portal client tuning, sync schedule and proxy settings.
type Config struct {
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort     string `yaml:"server_port" env:"SERVER_PORT" env-default:"8080"`
	BaseURL        string `yaml:"base_url" env:"BASE_URL"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Portal client.
	PortalUserAgent string        `yaml:"portal_user_agent" env:"PORTAL_USER_AGENT"`
	PortalTimeout   time.Duration `yaml:"portal_timeout" env:"PORTAL_TIMEOUT" env-default:"15s"`
	PortalRateLimit float64       `yaml:"portal_rate_limit" env:"PORTAL_RATE_LIMIT" env-default:"0"`
	FailureMarkers  []string      `yaml:"failure_markers" env:"PORTAL_FAILURE_MARKERS" env-separator:","`
	TokenTTL        time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" env-default:"1h"`
	TimeoutTTL      time.Duration `yaml:"timeout_ttl" env:"TIMEOUT_TTL" env-default:"30s"`
	DeviceCacheSize int           `yaml:"device_cache_size" env:"DEVICE_CACHE_SIZE" env-default:"64"`

	// Background sync.
	CatalogInterval    time.Duration `yaml:"catalog_interval" env:"CATALOG_INTERVAL" env-default:"1h"`
	GuideInterval      time.Duration `yaml:"guide_interval" env:"GUIDE_INTERVAL" env-default:"1h"`
	GuideBatchSize     int           `yaml:"guide_batch_size" env:"GUIDE_BATCH_SIZE" env-default:"3"`
	GuideBatchMaxDelay time.Duration `yaml:"guide_batch_max_delay" env:"GUIDE_BATCH_MAX_DELAY" env-default:"3s"`
	GuideRoundTimes    bool          `yaml:"guide_round_times" env:"GUIDE_ROUND_TIMES" env-default:"true"`

	// Stream proxy.
	StreamChunkSize int `yaml:"stream_chunk_size" env:"STREAM_CHUNK_SIZE" env-default:"8192"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"json"`
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env from the current directory.
// DATABASE_URL is required; every other key has a default.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := &Config{}
	if err := cleanenv.ReadEnv(c); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	c.applyDefaults()
	if c.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return c, nil
}

// Defaults returns a config populated with default values only (no environment).
func Defaults() *Config {
	c := &Config{
		ServerPort:         "8080",
		MigrationsPath:     "migrations",
		PortalTimeout:      15 * time.Second,
		TokenTTL:           time.Hour,
		TimeoutTTL:         30 * time.Second,
		DeviceCacheSize:    64,
		CatalogInterval:    time.Hour,
		GuideInterval:      time.Hour,
		GuideBatchSize:     3,
		GuideBatchMaxDelay: 3 * time.Second,
		GuideRoundTimes:    true,
		StreamChunkSize:    8192,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	c.applyDefaults()
	return c
}

// applyDefaults fills values that cannot be expressed as env-default tags
// and repairs out-of-range settings.
func (c *Config) applyDefaults() {
	if len(c.FailureMarkers) == 0 {
		c.FailureMarkers = append([]string(nil), DefaultFailureMarkers...)
	}
	if c.PortalTimeout <= 0 {
		c.PortalTimeout = 15 * time.Second
	}
	if c.GuideBatchSize <= 0 {
		c.GuideBatchSize = 3
	}
	if c.GuideBatchMaxDelay < 0 {
		c.GuideBatchMaxDelay = 0
	}
	if c.StreamChunkSize <= 0 {
		c.StreamChunkSize = 8192
	}
	if c.DeviceCacheSize <= 0 {
		c.DeviceCacheSize = 64
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:" + c.ServerPort
	}
}
