package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL        string   `yaml:"database_url"`
	RedisURL           string   `yaml:"redis_url"`
	ServerPort         string   `yaml:"server_port"`
	BaseURL            string   `yaml:"base_url"`
	MigrationsPath     string   `yaml:"migrations_path"`
	PortalUserAgent    string   `yaml:"portal_user_agent"`
	PortalTimeout      string   `yaml:"portal_timeout"`
	PortalRateLimit    float64  `yaml:"portal_rate_limit"`
	FailureMarkers     []string `yaml:"failure_markers"`
	TokenTTL           string   `yaml:"token_ttl"`
	TimeoutTTL         string   `yaml:"timeout_ttl"`
	DeviceCacheSize    int      `yaml:"device_cache_size"`
	CatalogInterval    string   `yaml:"catalog_interval"`
	GuideInterval      string   `yaml:"guide_interval"`
	GuideBatchSize     int      `yaml:"guide_batch_size"`
	GuideBatchMaxDelay string   `yaml:"guide_batch_max_delay"`
	GuideRoundTimes    *bool    `yaml:"guide_round_times"`
	StreamChunkSize    int      `yaml:"stream_chunk_size"`
	LogLevel           string   `yaml:"log_level"`
	LogFormat          string   `yaml:"log_format"`
}

// LoadFromFile loads config from a YAML file. database_url is required.
// Keys missing from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}

	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.RedisURL = f.RedisURL
	c.PortalUserAgent = f.PortalUserAgent
	c.PortalRateLimit = f.PortalRateLimit
	setString(&c.ServerPort, f.ServerPort)
	setString(&c.MigrationsPath, f.MigrationsPath)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	if len(f.FailureMarkers) > 0 {
		c.FailureMarkers = f.FailureMarkers
	}
	if f.DeviceCacheSize > 0 {
		c.DeviceCacheSize = f.DeviceCacheSize
	}
	if f.GuideBatchSize > 0 {
		c.GuideBatchSize = f.GuideBatchSize
	}
	if f.StreamChunkSize > 0 {
		c.StreamChunkSize = f.StreamChunkSize
	}
	if f.GuideRoundTimes != nil {
		c.GuideRoundTimes = *f.GuideRoundTimes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"portal_timeout", f.PortalTimeout, &c.PortalTimeout},
		{"token_ttl", f.TokenTTL, &c.TokenTTL},
		{"timeout_ttl", f.TimeoutTTL, &c.TimeoutTTL},
		{"catalog_interval", f.CatalogInterval, &c.CatalogInterval},
		{"guide_interval", f.GuideInterval, &c.GuideInterval},
		{"guide_batch_max_delay", f.GuideBatchMaxDelay, &c.GuideBatchMaxDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	// BaseURL default depends on the final port.
	c.BaseURL = f.BaseURL
	c.applyDefaults()
	return c, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
