// Package router implements the simrouter server: the orchestrator that
// connects browser clients to simulation workers over websockets.
package router

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/auxothq/simrouter/internal/store"
)

// Config holds all configuration for the router, loaded from environment variables.
type Config struct {
	// Server
	Port int    `envconfig:"SIM_PORT" default:"8000"`
	Host string `envconfig:"SIM_HOST" default:"0.0.0.0"`

	// Storage
	Store       string `envconfig:"SIM_STORE" default:"redis"` // "redis" or "sqlite"
	RedisURL    string `envconfig:"SIM_REDIS_URL"`             // empty = embedded miniredis
	RedisPrefix string `envconfig:"SIM_REDIS_PREFIX" default:"simrouter:"`
	SQLitePath  string `envconfig:"SIM_SQLITE_PATH" default:"simrouter.db"`
	TraceDir    string `envconfig:"SIM_TRACE_DIR" default:"traces"`

	// EmbeddedRedis is set by the caller when RedisURL points at an
	// in-process miniredis.
	EmbeddedRedis bool `ignored:"true"`

	// Authentication. Empty accepts every worker.
	WorkerKeyHash string `envconfig:"SIM_WORKER_KEY_HASH"`

	// Liveness
	PingInterval      time.Duration `envconfig:"SIM_PING_INTERVAL" default:"15s"`
	DeadWorkerTimeout time.Duration `envconfig:"SIM_DEAD_WORKER_TIMEOUT" default:"45s"`

	// Store retries
	StoreMaxAttempts    int           `envconfig:"SIM_STORE_MAX_ATTEMPTS" default:"5"`
	StoreInitialBackoff time.Duration `envconfig:"SIM_STORE_INITIAL_BACKOFF" default:"100ms"`
	StoreMaxBackoff     time.Duration `envconfig:"SIM_STORE_MAX_BACKOFF" default:"5s"`
	StoreOpTimeout      time.Duration `envconfig:"SIM_STORE_OP_TIMEOUT" default:"2s"` // all attempts of one call
}

// LoadConfig reads configuration from environment variables and checks it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case store.BackendRedis, store.BackendSQLite:
	default:
		return fmt.Errorf("SIM_STORE must be %q or %q, got %q", store.BackendRedis, store.BackendSQLite, c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("SIM_PORT out of range: %d", c.Port)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("SIM_PING_INTERVAL must be positive")
	}
	if c.DeadWorkerTimeout <= c.PingInterval {
		return fmt.Errorf("SIM_DEAD_WORKER_TIMEOUT (%s) must exceed SIM_PING_INTERVAL (%s)", c.DeadWorkerTimeout, c.PingInterval)
	}
	if c.StoreMaxAttempts < 1 {
		return fmt.Errorf("SIM_STORE_MAX_ATTEMPTS must be at least 1")
	}
	if c.StoreOpTimeout <= 0 || c.StoreOpTimeout >= c.DeadWorkerTimeout {
		return fmt.Errorf("SIM_STORE_OP_TIMEOUT (%s) must be positive and below SIM_DEAD_WORKER_TIMEOUT (%s)", c.StoreOpTimeout, c.DeadWorkerTimeout)
	}
	return nil
}

// RetryConfig returns the store retry policy.
func (c *Config) RetryConfig() store.RetryConfig {
	rc := store.DefaultRetryConfig()
	rc.MaxAttempts = c.StoreMaxAttempts
	rc.InitialBackoff = c.StoreInitialBackoff
	rc.MaxBackoff = c.StoreMaxBackoff
	rc.OpTimeout = c.StoreOpTimeout
	return rc
}

// OpenConfig returns the store selection for store.Open.
func (c *Config) OpenConfig() store.OpenConfig {
	return store.OpenConfig{
		Backend:     c.Store,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisPrefix,
		SQLitePath:  c.SQLitePath,
	}
}
