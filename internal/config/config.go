// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable via CACHE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Expiry policies selectable via CACHE_POLICY.
const (
	PolicyEternal  = "eternal"
	PolicyCreated  = "created"
	PolicyAccessed = "accessed"
	PolicyModified = "modified"
	PolicyTouched  = "touched"
)

// Concurrency modes selectable via CACHE_MODE.
const (
	ModeOptimistic  = "optimistic"
	ModePessimistic = "pessimistic"
)

// Config holds all application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIToken string `env:"API_TOKEN"`

	Store       string `env:"CACHE_STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	PGTable     string `env:"CACHE_PG_TABLE" envDefault:"tuplecache"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"CACHE_REDIS_PREFIX" envDefault:"tuplecache"`

	Policy   string        `env:"CACHE_POLICY" envDefault:"eternal"`
	TTL      time.Duration `env:"CACHE_TTL" envDefault:"0s"`
	Mode     string        `env:"CACHE_MODE" envDefault:"optimistic"`
	PageSize int           `env:"CACHE_PAGE_SIZE" envDefault:"1"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	Backing BackingConfig
}

// BackingConfig holds the system-of-record client configuration
type BackingConfig struct {
	URL          string `env:"BACKING_URL"`
	APIKey       string `env:"BACKING_API_KEY"`
	ClientID     string `env:"BACKING_CLIENT_ID"`
	ClientSecret string `env:"BACKING_CLIENT_SECRET"`
	TokenURL     string `env:"BACKING_TOKEN_URL"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CACHE_STORE=postgres")
		}
	default:
		return fmt.Errorf("invalid CACHE_STORE %q, want memory, postgres or redis", c.Store)
	}

	switch c.Policy {
	case PolicyEternal:
	case PolicyCreated, PolicyAccessed, PolicyModified, PolicyTouched:
		if c.TTL <= 0 {
			return fmt.Errorf("CACHE_TTL must be positive when CACHE_POLICY=%s", c.Policy)
		}
	default:
		return fmt.Errorf("invalid CACHE_POLICY %q", c.Policy)
	}

	if c.Mode != ModeOptimistic && c.Mode != ModePessimistic {
		return fmt.Errorf("invalid CACHE_MODE %q, want optimistic or pessimistic", c.Mode)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("CACHE_PAGE_SIZE must be at least 1, got %d", c.PageSize)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.Backing.HasOAuth() && c.Backing.URL == "" {
		return fmt.Errorf("BACKING_URL is required when backing OAuth credentials are set")
	}
	return nil
}

// HasBacking returns true if a system of record is configured
func (c *Config) HasBacking() bool {
	return c.Backing.URL != ""
}

// HasOAuth returns true if client-credentials auth is fully configured
func (b BackingConfig) HasOAuth() bool {
	return b.ClientID != "" && b.ClientSecret != "" && b.TokenURL != ""
}
