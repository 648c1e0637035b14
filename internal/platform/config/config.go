// Package config loads application configuration from environment variables.
// All variables use the LEARN_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/p-n-ai/pai-content/internal/platform/cache"
	"github.com/p-n-ai/pai-content/internal/platform/database"
)

// Config holds all application configuration.
type Config struct {
	ContentRoot string
	Database    DatabaseConfig
	Ingest      IngestConfig
	Cache       CacheConfig
	Log         LogConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL              string
	MaxConns         int
	MinConns         int
	StatementTimeout time.Duration
}

// IngestConfig holds settings for one ingestion run.
type IngestConfig struct {
	DryRun      bool
	FailFast    bool
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
}

// CacheConfig holds Dragonfly/Redis connection settings. An empty URL
// disables the run lock.
type CacheConfig struct {
	URL string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with LEARN_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		ContentRoot: envStr("LEARN_CONTENT_ROOT", "."),
		Database: DatabaseConfig{
			URL:              envStr("LEARN_DATABASE_URL", ""),
			MaxConns:         envInt("LEARN_DATABASE_MAX_CONNS", 4),
			MinConns:         envInt("LEARN_DATABASE_MIN_CONNS", 1),
			StatementTimeout: envDuration("LEARN_DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
		},
		Ingest: IngestConfig{
			DryRun:      envBool("LEARN_INGEST_DRY_RUN", false),
			FailFast:    envBool("LEARN_INGEST_FAIL_FAST", false),
			Concurrency: envInt("LEARN_INGEST_CONCURRENCY", 1),
			MaxAttempts: envInt("LEARN_INGEST_MAX_ATTEMPTS", 3),
			BackoffBase: envDuration("LEARN_INGEST_BACKOFF_BASE", 100*time.Millisecond),
		},
		Cache: CacheConfig{
			URL: envStr("LEARN_CACHE_URL", ""),
		},
		Log: LogConfig{
			Level:  envStr("LEARN_LOG_LEVEL", "info"),
			Format: envStr("LEARN_LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("LEARN_DATABASE_URL is required")
	}
	if _, err := database.ParseURL(c.Database.URL); err != nil {
		return err
	}

	info, err := os.Stat(c.ContentRoot)
	if err != nil {
		return fmt.Errorf("LEARN_CONTENT_ROOT: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("LEARN_CONTENT_ROOT %q is not a directory", c.ContentRoot)
	}

	if c.Database.MaxConns < 1 {
		return fmt.Errorf("LEARN_DATABASE_MAX_CONNS must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("LEARN_DATABASE_MIN_CONNS must be between 0 and %d, got %d", c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Database.StatementTimeout <= 0 {
		return fmt.Errorf("LEARN_DATABASE_STATEMENT_TIMEOUT must be positive, got %s", c.Database.StatementTimeout)
	}

	if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > c.Database.MaxConns {
		return fmt.Errorf("LEARN_INGEST_CONCURRENCY must be between 1 and the pool size %d, got %d",
			c.Database.MaxConns, c.Ingest.Concurrency)
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("LEARN_INGEST_MAX_ATTEMPTS must be at least 1, got %d", c.Ingest.MaxAttempts)
	}
	if c.Ingest.BackoffBase <= 0 {
		return fmt.Errorf("LEARN_INGEST_BACKOFF_BASE must be positive, got %s", c.Ingest.BackoffBase)
	}

	if c.Cache.URL != "" {
		if _, err := cache.ParseURL(c.Cache.URL); err != nil {
			return err
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LEARN_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LEARN_LOG_FORMAT must be 'json' or 'text', got %q", c.Log.Format)
	}

	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
