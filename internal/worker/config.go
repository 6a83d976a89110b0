// Package worker implements simworker, the process that connects to a
// simrouter and runs simulation jobs.
//
// Worker lifecycle:
//  1. Dial the router's /sim channel with the worker key.
//  2. Announce worker_connect (with the running job, if any) and status.
//  3. On run_sim, spawn the solver for the job's kind in its own process
//     group and forward every event it prints, tagged with the job ids.
//  4. On cancel_sim, SIGTERM the process group, SIGKILL after a grace period.
//  5. After the solver is reaped and its work dir removed, report ready.
//  6. On disconnect, reconnect with backoff. A running job keeps running.
package worker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the worker.
type Config struct {
	// Router connection
	RouterURL string `envconfig:"SIM_ROUTER_URL" default:"ws://localhost:8000/sim"`
	WorkerKey string `envconfig:"SIM_WORKER_KEY"` // wrk_... ; empty when the router has auth disabled

	// Solvers
	SolversFile string `envconfig:"SIM_SOLVERS_FILE" default:"solvers.yaml"`
	WorkDir     string `envconfig:"SIM_WORK_DIR"` // parent of per-job temp dirs; empty = os.TempDir()

	// Timing
	ReconnectDelay    time.Duration `envconfig:"SIM_RECONNECT_DELAY" default:"2s"`
	ReconnectMaxDelay time.Duration `envconfig:"SIM_RECONNECT_MAX_DELAY" default:"60s"`
	PingInterval      time.Duration `envconfig:"SIM_PING_INTERVAL" default:"10s"`
	CompileTimeout    time.Duration `envconfig:"SIM_COMPILE_TIMEOUT" default:"5s"`
	CancelGrace       time.Duration `envconfig:"SIM_CANCEL_GRACE" default:"5s"`

	// LogSnapshotLines bounds the in-memory log kept per source for
	// get_tmp_sim_log.
	LogSnapshotLines int `envconfig:"SIM_LOG_SNAPSHOT_LINES" default:"1000"`
	// TraceSnapshotChunks bounds the persisted chunks kept for
	// get_tmp_sim_trace.
	TraceSnapshotChunks int `envconfig:"SIM_TRACE_SNAPSHOT_CHUNKS" default:"1000"`

	// DebugLevel is set from --debug: 1 logs frame summaries, 2 full frames.
	DebugLevel int `ignored:"true"`
}

// CLIFlags holds command-line flag values that override environment variables.
// Empty strings are ignored (the env var value is kept).
type CLIFlags struct {
	RouterURL   string
	WorkerKey   string
	SolversFile string
	DebugLevel  int
}

// LoadConfig reads worker configuration from environment variables.
// CLI flag values override env vars when non-empty.
func LoadConfig(flags CLIFlags) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if flags.RouterURL != "" {
		cfg.RouterURL = flags.RouterURL
	}
	if flags.WorkerKey != "" {
		cfg.WorkerKey = flags.WorkerKey
	}
	if flags.SolversFile != "" {
		cfg.SolversFile = flags.SolversFile
	}
	cfg.DebugLevel = flags.DebugLevel

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.RouterURL == "" {
		return fmt.Errorf("router URL is required: use --router-url or set SIM_ROUTER_URL")
	}
	if c.ReconnectDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("SIM_RECONNECT_MAX_DELAY (%s) must be at least SIM_RECONNECT_DELAY (%s) and both positive",
			c.ReconnectMaxDelay, c.ReconnectDelay)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("SIM_PING_INTERVAL must be positive")
	}
	if c.CompileTimeout <= 0 {
		return fmt.Errorf("SIM_COMPILE_TIMEOUT must be positive")
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("SIM_CANCEL_GRACE must not be negative")
	}
	if c.LogSnapshotLines < 1 {
		return fmt.Errorf("SIM_LOG_SNAPSHOT_LINES must be at least 1")
	}
	if c.TraceSnapshotChunks < 1 {
		return fmt.Errorf("SIM_TRACE_SNAPSHOT_CHUNKS must be at least 1")
	}
	return nil
}
