package store

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/auxothq/simrouter/internal/metrics"
	"github.com/auxothq/simrouter/pkg/protocol"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier is applied to the backoff after each attempt.
	BackoffMultiplier float64
	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	JitterFraction float64
	// OpTimeout bounds one operation, all attempts included. Zero means no
	// bound beyond the caller's context.
	OpTimeout time.Duration
}

// DefaultRetryConfig returns 5 attempts, 100ms doubling to 5s, 10% jitter,
// and a 2s bound per operation.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		OpTimeout:         2 * time.Second,
	}
}

// retryable reports whether err may go away on a later attempt.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		return false
	}
	return true
}

func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if !retryable(lastErr) || attempt >= config.MaxAttempts {
			return lastErr
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
	return lastErr
}

// Retrying decorates a Repository with retries, a per-operation time bound,
// latency metrics and an ERROR log for every operation that still fails
// after the last attempt.
//
// Log merges are not idempotent (a lost reply after an applied RPUSH would
// duplicate lines), so CreateSimLog gets a single attempt.
type Retrying struct {
	next    Repository
	config  RetryConfig
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewRetrying wraps next. m may be nil.
func NewRetrying(next Repository, config RetryConfig, m *metrics.Collector, logger *slog.Logger) *Retrying {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Retrying{next: next, config: config, metrics: m, logger: logger}
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.run(ctx, op, r.config, fn)
}

// doOnce runs a non-idempotent operation without retries.
func (r *Retrying) doOnce(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	config := r.config
	config.MaxAttempts = 1
	return r.run(ctx, op, config, fn)
}

func (r *Retrying) run(ctx context.Context, op string, config RetryConfig, fn func(ctx context.Context) error) error {
	if config.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.OpTimeout)
		defer cancel()
	}

	start := time.Now()
	err := retryWithBackoff(ctx, config, func() error { return fn(ctx) })
	failed := err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyExists)
	r.metrics.StoreOp(op, start, failed)
	if failed {
		r.logger.Error("store operation failed", "op", op, "error", err)
	}
	return err
}

func (r *Retrying) CreateSimulation(ctx context.Context, sim protocol.JobConfig) error {
	return r.do(ctx, "create_simulation", func(ctx context.Context) error { return r.next.CreateSimulation(ctx, sim) })
}

func (r *Retrying) UpdateSimulation(ctx context.Context, patch protocol.SimulationPatch) error {
	return r.do(ctx, "update_simulation", func(ctx context.Context) error { return r.next.UpdateSimulation(ctx, patch) })
}

func (r *Retrying) DeleteSimulation(ctx context.Context, ref protocol.SimRef) error {
	return r.do(ctx, "delete_simulation", func(ctx context.Context) error { return r.next.DeleteSimulation(ctx, ref) })
}

func (r *Retrying) GetSimulation(ctx context.Context, ref protocol.SimRef) (protocol.JobConfig, error) {
	var out protocol.JobConfig
	err := r.do(ctx, "get_simulation", func(ctx context.Context) (err error) {
		out, err = r.next.GetSimulation(ctx, ref)
		return err
	})
	return out, err
}

func (r *Retrying) GetSimulations(ctx context.Context, userID, modelID string) ([]protocol.JobConfig, error) {
	var out []protocol.JobConfig
	err := r.do(ctx, "get_simulations", func(ctx context.Context) (err error) {
		out, err = r.next.GetSimulations(ctx, userID, modelID)
		return err
	})
	return out, err
}

func (r *Retrying) CreateSimLog(ctx context.Context, log protocol.SimLog) error {
	return r.doOnce(ctx, "create_sim_log", func(ctx context.Context) error { return r.next.CreateSimLog(ctx, log) })
}

func (r *Retrying) GetSimLog(ctx context.Context, simID string) (protocol.SimLog, error) {
	var out protocol.SimLog
	err := r.do(ctx, "get_sim_log", func(ctx context.Context) (err error) {
		out, err = r.next.GetSimLog(ctx, simID)
		return err
	})
	return out, err
}

func (r *Retrying) DeleteSimLog(ctx context.Context, simID string) error {
	return r.do(ctx, "delete_sim_log", func(ctx context.Context) error { return r.next.DeleteSimLog(ctx, simID) })
}

func (r *Retrying) CreateSimTrace(ctx context.Context, chunk protocol.SimTrace) error {
	return r.do(ctx, "create_sim_trace", func(ctx context.Context) error { return r.next.CreateSimTrace(ctx, chunk) })
}

func (r *Retrying) GetSimTrace(ctx context.Context, simID string) ([]protocol.SimTrace, error) {
	var out []protocol.SimTrace
	err := r.do(ctx, "get_sim_trace", func(ctx context.Context) (err error) {
		out, err = r.next.GetSimTrace(ctx, simID)
		return err
	})
	return out, err
}

func (r *Retrying) DeleteSimTrace(ctx context.Context, simID string) error {
	return r.do(ctx, "delete_sim_trace", func(ctx context.Context) error { return r.next.DeleteSimTrace(ctx, simID) })
}

func (r *Retrying) CreateSimSpatialStepTrace(ctx context.Context, step protocol.SimSpatialStepTrace) error {
	return r.do(ctx, "create_spatial_step", func(ctx context.Context) error { return r.next.CreateSimSpatialStepTrace(ctx, step) })
}

func (r *Retrying) GetSpatialStepTrace(ctx context.Context, simID string, stepIdx int) (protocol.SimSpatialStepTrace, error) {
	var out protocol.SimSpatialStepTrace
	err := r.do(ctx, "get_spatial_step", func(ctx context.Context) (err error) {
		out, err = r.next.GetSpatialStepTrace(ctx, simID, stepIdx)
		return err
	})
	return out, err
}

func (r *Retrying) GetLastSpatialStepTraceIdx(ctx context.Context, simID string) (int, bool, error) {
	var (
		idx   int
		found bool
	)
	err := r.do(ctx, "get_last_spatial_step_idx", func(ctx context.Context) (err error) {
		idx, found, err = r.next.GetLastSpatialStepTraceIdx(ctx, simID)
		return err
	})
	return idx, found, err
}

func (r *Retrying) DeleteSimSpatialTraces(ctx context.Context, simID string) error {
	return r.do(ctx, "delete_spatial_steps", func(ctx context.Context) error { return r.next.DeleteSimSpatialTraces(ctx, simID) })
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *Retrying) Close() error {
	return r.next.Close()
}

var _ Repository = (*Retrying)(nil)
