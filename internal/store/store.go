// Package store is the persistence gateway of the router: simulation
// records, logs, trace chunks and spatial step traces.
//
// Two backends implement Repository:
//   - RedisStore  (go-redis; embedded miniredis when no URL is configured)
//   - GormStore   (GORM over SQLite)
//
// Wrap either with NewRetrying to get bounded exponential-backoff retries
// and failure metrics.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auxothq/simrouter/pkg/protocol"
)

var (
	// ErrNotFound is returned when a record does not exist (or is soft-deleted).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateSimulation for a live record.
	ErrAlreadyExists = errors.New("already exists")
)

// Repository is the narrow storage interface consumed by the router.
//
// Simulation records are keyed by (id, userId). Logs and traces are keyed
// by simulation id only, which is globally unique.
type Repository interface {
	// CreateSimulation inserts a record. A soft-deleted record with the same
	// key is replaced.
	CreateSimulation(ctx context.Context, sim protocol.JobConfig) error
	// UpdateSimulation applies the non-nil fields of patch.
	UpdateSimulation(ctx context.Context, patch protocol.SimulationPatch) error
	// DeleteSimulation soft-deletes a record. Missing records are not an error.
	DeleteSimulation(ctx context.Context, ref protocol.SimRef) error
	// GetSimulation returns one live record. Soft-deleted records are
	// ErrNotFound.
	GetSimulation(ctx context.Context, ref protocol.SimRef) (protocol.JobConfig, error)
	// GetSimulations lists live records of a user for a model. An empty
	// modelID lists all of the user's records.
	GetSimulations(ctx context.Context, userID, modelID string) ([]protocol.JobConfig, error)

	// CreateSimLog merges log lines into the stored log of a simulation.
	CreateSimLog(ctx context.Context, log protocol.SimLog) error
	GetSimLog(ctx context.Context, simID string) (protocol.SimLog, error)
	DeleteSimLog(ctx context.Context, simID string) error

	// CreateSimTrace stores one trace chunk. Re-storing an index replaces it.
	CreateSimTrace(ctx context.Context, chunk protocol.SimTrace) error
	// GetSimTrace returns all stored chunks ordered by index.
	GetSimTrace(ctx context.Context, simID string) ([]protocol.SimTrace, error)
	DeleteSimTrace(ctx context.Context, simID string) error

	CreateSimSpatialStepTrace(ctx context.Context, step protocol.SimSpatialStepTrace) error
	GetSpatialStepTrace(ctx context.Context, simID string, stepIdx int) (protocol.SimSpatialStepTrace, error)
	// GetLastSpatialStepTraceIdx returns the highest stored step index;
	// found is false when the simulation has no spatial samples.
	GetLastSpatialStepTraceIdx(ctx context.Context, simID string) (idx int, found bool, err error)
	DeleteSimSpatialTraces(ctx context.Context, simID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// OpenConfig selects and locates a backend.
type OpenConfig struct {
	Backend     string // BackendRedis or BackendSQLite
	RedisURL    string
	RedisPrefix string
	SQLitePath  string
}

// Open connects to the configured backend and verifies it answers within
// five seconds.
func Open(ctx context.Context, cfg OpenConfig) (Repository, error) {
	var repo Repository
	switch cfg.Backend {
	case BackendRedis, "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		repo = NewRedisStore(redis.NewClient(opts), cfg.RedisPrefix)
	case BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("connecting to %s store: %w", cfg.Backend, err)
	}
	return repo, nil
}

// simRecord is the stored form of a simulation.
type simRecord struct {
	protocol.JobConfig
	Deleted bool `json:"deleted"`
}

// applyPatch copies the set fields of p onto sim.
func applyPatch(sim *protocol.JobConfig, p protocol.SimulationPatch) {
	if p.Name != nil {
		sim.Name = *p.Name
	}
	if p.Annotation != nil {
		sim.Annotation = *p.Annotation
	}
	if p.Status != nil {
		sim.Status = *p.Status
	}
	if p.Description != nil {
		sim.Description = *p.Description
	}
	if p.Progress != nil {
		sim.Progress = *p.Progress
	}
}

// mergeLog appends the lines of src into dst, source by source.
func mergeLog(dst, src protocol.LogBook) protocol.LogBook {
	if dst == nil {
		dst = make(protocol.LogBook, len(src))
	}
	for source, lines := range src {
		dst[source] = append(dst[source], lines...)
	}
	return dst
}
