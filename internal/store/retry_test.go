package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auxothq/simrouter/internal/metrics"
	"github.com/auxothq/simrouter/pkg/protocol"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterFraction:    0.1,
	}
}

// flakyRepo fails the first n calls of UpdateSimulation with err.
type flakyRepo struct {
	Repository
	failures int
	err      error
	calls    int
}

func (f *flakyRepo) UpdateSimulation(ctx context.Context, p protocol.SimulationPatch) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Repository.UpdateSimulation(ctx, p)
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_GivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retryWithBackoff(context.Background(), fastRetry(4), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryWithBackoff_PermanentErrorsNotRetried(t *testing.T) {
	for _, perm := range []error{ErrNotFound, ErrAlreadyExists, context.Canceled} {
		calls := 0
		err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
			calls++
			return perm
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls, "error %v must not be retried", perm)
	}
}

func TestRetryWithBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retryWithBackoff(ctx, cfg, func() error { return errors.New("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrying_RecoversAndCountsFailures(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCollector(prometheus.NewRegistry())
	base := newTestRedisStore(t)
	require.NoError(t, base.CreateSimulation(ctx, sim("s1", "u1", "m1")))

	status := protocol.StatusInit
	patch := protocol.SimulationPatch{ID: "s1", UserID: "u1", Status: &status}

	flaky := &flakyRepo{Repository: base, failures: 2, err: errors.New("i/o timeout")}
	r := NewRetrying(flaky, fastRetry(5), m, testLogger())
	require.NoError(t, r.UpdateSimulation(ctx, patch))
	assert.Equal(t, 3, flaky.calls)

	failing := &flakyRepo{Repository: base, failures: 100, err: errors.New("i/o timeout")}
	r = NewRetrying(failing, fastRetry(3), m, testLogger())
	assert.Error(t, r.UpdateSimulation(ctx, patch))
	assert.Equal(t, 3, failing.calls)

	// Not-found is an answer, not a failure.
	ghost := protocol.SimulationPatch{ID: "ghost", UserID: "u1", Status: &status}
	assert.ErrorIs(t, NewRetrying(base, fastRetry(3), m, testLogger()).UpdateSimulation(ctx, ghost), ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures("update_simulation")))
}

// failingLogRepo fails every CreateSimLog after applying it, like a merge
// whose reply was lost.
type failingLogRepo struct {
	Repository
	calls int
}

func (f *failingLogRepo) CreateSimLog(ctx context.Context, log protocol.SimLog) error {
	f.calls++
	if err := f.Repository.CreateSimLog(ctx, log); err != nil {
		return err
	}
	return errors.New("read: connection reset by peer")
}

// stalledRepo blocks UpdateSimulation until its context ends.
type stalledRepo struct {
	Repository
}

func (stalledRepo) UpdateSimulation(ctx context.Context, _ protocol.SimulationPatch) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRetrying_LogMergeNotRetried(t *testing.T) {
	ctx := context.Background()
	base := newTestRedisStore(t)
	flaky := &failingLogRepo{Repository: base}
	r := NewRetrying(flaky, fastRetry(5), nil, testLogger())

	err := r.CreateSimLog(ctx, protocol.SimLog{
		SimRef: protocol.SimRef{ID: "s1", UserID: "u1"},
		Log:    protocol.LogBook{"system": {"worker lost"}},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, flaky.calls)

	log, err := base.GetSimLog(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker lost"}, log.Log["system"])
}

func TestRetrying_OpTimeoutBoundsStalledStore(t *testing.T) {
	cfg := fastRetry(5)
	cfg.OpTimeout = 50 * time.Millisecond
	r := NewRetrying(stalledRepo{Repository: newTestRedisStore(t)}, cfg, nil, testLogger())

	status := protocol.StatusStarted
	start := time.Now()
	err := r.UpdateSimulation(context.Background(), protocol.SimulationPatch{ID: "s1", UserID: "u1", Status: &status})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
