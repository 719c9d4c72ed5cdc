package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lessonsync settings.
type Config struct {
	// BaseURL is the backend root. Paths like "auth/login/" are resolved
	// against it.
	BaseURL string `yaml:"base_url"`

	// DBPath is the SQLite file. Empty means store.DefaultDBPath().
	DBPath string `yaml:"db_path"`

	// SyncInterval is how often pending completions are flushed while
	// authenticated. Default: 30s.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// RefreshMargin is how long before expiry the access token is
	// refreshed. Default: 30s.
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// HTTPTimeout bounds a single request. Zero leaves the http.Client
	// default (no timeout).
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// PrefetchConcurrency caps parallel task-list fetches during warmup.
	PrefetchConcurrency int `yaml:"prefetch_concurrency"`

	// CredentialSecret seals tokens at rest when set.
	CredentialSecret string `yaml:"credential_secret"`

	Retry RetryConfig `yaml:"retry"`
	Log   LogConfig   `yaml:"log"`
}

// RetryConfig configures retries of read requests.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Mode  string `yaml:"mode"`  // "dev" or "prod"
	Level string `yaml:"level"` // overrides the mode default
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "http://127.0.0.1:8000",
		SyncInterval:        30 * time.Second,
		RefreshMargin:       30 * time.Second,
		PrefetchConcurrency: 4,
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Multiplier:  2.0,
		},
		Log: LogConfig{
			Mode:  "dev",
			Level: "warn",
		},
	}
}

// Load reads defaults, then the YAML file at path (if path is non-empty),
// then environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LESSONSYNC_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LESSONSYNC_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("LESSONSYNC_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LESSONSYNC_CREDENTIAL_SECRET"); v != "" {
		c.CredentialSecret = v
	}
	if v := os.Getenv("LESSONSYNC_LOG_MODE"); v != "" {
		c.Log.Mode = v
	}
	if v := os.Getenv("LESSONSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"LESSONSYNC_SYNC_INTERVAL", &c.SyncInterval},
		{"LESSONSYNC_REFRESH_MARGIN", &c.RefreshMargin},
		{"LESSONSYNC_HTTP_TIMEOUT", &c.HTTPTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("LESSONSYNC_PREFETCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LESSONSYNC_PREFETCH_CONCURRENCY: %w", err)
		}
		c.PrefetchConcurrency = n
	}
	return nil
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", c.BaseURL)
	}
	if c.SyncInterval <= 0 {
		return errors.New("sync_interval must be positive")
	}
	if c.RefreshMargin < 0 {
		return errors.New("refresh_margin must not be negative")
	}
	if c.HTTPTimeout < 0 {
		return errors.New("http_timeout must not be negative")
	}
	if c.PrefetchConcurrency < 1 {
		return errors.New("prefetch_concurrency must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	return nil
}
