// Package config loads engine configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/mailflow/internal/router"
	"github.com/petrijr/mailflow/pkg/api"
)

// Storage selects a persistence backend.
type Storage struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`

	// RedisAddr, when set, backs instances and correlations with Redis
	// instead of the primary driver.
	RedisAddr string `yaml:"redis_addr"`
}

// Retry mirrors api.RetryPolicy in YAML form.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Config is the full engine configuration.
type Config struct {
	// PriorityThreshold routes scores at or above it immediately.
	PriorityThreshold int `yaml:"priority_threshold"`

	// DigestInterval is how often queued items are drained into digests.
	DigestInterval time.Duration `yaml:"digest_interval"`

	// LeaseTTL bounds per-instance processing leases.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// Workers is the number of concurrent task-queue workers.
	Workers int `yaml:"workers"`

	Retry   Retry   `yaml:"retry"`
	Storage Storage `yaml:"storage"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		PriorityThreshold: router.DefaultThreshold,
		DigestInterval:    time.Hour,
		LeaseTTL:          30 * time.Second,
		Workers:           4,
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			Multiplier:     2.0,
			MaxBackoff:     30 * time.Second,
		},
		Storage: Storage{Driver: "memory"},
	}
}

// Load reads a YAML config file, applies defaults for absent fields, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.PriorityThreshold < 0 || c.PriorityThreshold > 100 {
		return fmt.Errorf("priority_threshold must be within [0,100], got %d", c.PriorityThreshold)
	}
	if c.DigestInterval <= 0 {
		return fmt.Errorf("digest_interval must be positive, got %s", c.DigestInterval)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	return nil
}

// RetryPolicy converts the YAML retry block into the runtime policy.
func (c Config) RetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		Multiplier:     c.Retry.Multiplier,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}
