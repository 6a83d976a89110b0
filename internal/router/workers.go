package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// WorkerSession is one connected worker process. Job is nil while the worker
// is free.
type WorkerSession struct {
	ID          string
	Conn        Conn
	Job         *protocol.JobConfig
	ConnectedAt time.Time
}

// Busy reports whether a job is assigned.
func (w *WorkerSession) Busy() bool {
	return w.Job != nil
}

// WorkerRegistry tracks connected workers in registration order, plus a
// reverse index from job id to the worker running it.
//
// Thread-safe, but compound operations (pop a job, then mark a worker busy)
// need the Orchestrator's lock to stay atomic.
type WorkerRegistry struct {
	mu      sync.RWMutex
	order   []string                  // registration order
	workers map[string]*WorkerSession // workerID → session
	byJob   map[string]string         // jobID → workerID
	logger  *slog.Logger
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(logger *slog.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*WorkerSession),
		byJob:   make(map[string]string),
		logger:  logger,
	}
}

// Register adds a worker. Returns an error if the id is already present.
func (r *WorkerRegistry) Register(s *WorkerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[s.ID]; exists {
		return fmt.Errorf("worker %q already registered", s.ID)
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now()
	}
	r.workers[s.ID] = s
	r.order = append(r.order, s.ID)
	if s.Job != nil {
		r.byJob[s.Job.ID] = s.ID
	}

	r.logger.Info("worker registered",
		"worker_id", s.ID,
		"pool_size", len(r.workers),
	)
	return nil
}

// Unregister removes a worker and returns its session plus the job it held
// (nil if free). Unknown ids return (nil, nil).
func (r *WorkerRegistry) Unregister(id string) (*WorkerSession, *protocol.JobConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.workers[id]
	if !exists {
		return nil, nil
	}
	r.removeLocked(id)

	r.logger.Info("worker unregistered",
		"worker_id", id,
		"had_job", s.Job != nil,
		"pool_size", len(r.workers),
	)
	return s, s.Job
}

func (r *WorkerRegistry) removeLocked(id string) {
	s := r.workers[id]
	delete(r.workers, id)
	if s != nil && s.Job != nil && r.byJob[s.Job.ID] == id {
		delete(r.byJob, s.Job.ID)
	}
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the session with id.
func (r *WorkerRegistry) Get(id string) (*WorkerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.workers[id]
	return s, ok
}

// FreeWorkers returns every worker without a job, in registration order.
func (r *WorkerRegistry) FreeWorkers() []*WorkerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var free []*WorkerSession
	for _, id := range r.order {
		if s := r.workers[id]; !s.Busy() {
			free = append(free, s)
		}
	}
	return free
}

// MarkBusy assigns job to worker id.
func (r *WorkerRegistry) MarkBusy(id string, job protocol.JobConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker %q not registered", id)
	}
	if s.Job != nil {
		return fmt.Errorf("worker %q already running %q", id, s.Job.ID)
	}
	if owner, taken := r.byJob[job.ID]; taken {
		return fmt.Errorf("job %q already assigned to worker %q", job.ID, owner)
	}
	s.Job = &job
	r.byJob[job.ID] = id
	return nil
}

// MarkFree clears the assignment of worker id and its reverse index entry.
// Returns the job it held, if any.
func (r *WorkerRegistry) MarkFree(id string) *protocol.JobConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.workers[id]
	if !exists || s.Job == nil {
		return nil
	}
	job := s.Job
	if r.byJob[job.ID] == id {
		delete(r.byJob, job.ID)
	}
	s.Job = nil
	return job
}

// FindByJobID returns the worker currently running jobID.
func (r *WorkerRegistry) FindByJobID(jobID string) (*WorkerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byJob[jobID]
	if !ok {
		return nil, false
	}
	s, ok := r.workers[id]
	return s, ok
}

// RunningJobIDs returns the ids of all assigned jobs.
func (r *WorkerRegistry) RunningJobIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byJob))
	for _, wid := range r.order {
		if s := r.workers[wid]; s.Job != nil {
			ids = append(ids, s.Job.ID)
		}
	}
	return ids
}

// PruneAndReassociate makes worker newID the owner of job. A different
// session still registered as the owner is evicted and returned so the
// caller can close it. The new session must already be registered.
func (r *WorkerRegistry) PruneAndReassociate(newID string, job protocol.JobConfig) (*WorkerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh, exists := r.workers[newID]
	if !exists {
		return nil, fmt.Errorf("worker %q not registered", newID)
	}

	var stale *WorkerSession
	if ownerID, ok := r.byJob[job.ID]; ok && ownerID != newID {
		stale = r.workers[ownerID]
		r.removeLocked(ownerID)
		r.logger.Warn("evicted stale worker session",
			"worker_id", ownerID,
			"job_id", job.ID,
			"new_worker_id", newID,
		)
	}

	if fresh.Job != nil && fresh.Job.ID != job.ID {
		delete(r.byJob, fresh.Job.ID)
	}
	fresh.Job = &job
	r.byJob[job.ID] = newID
	return stale, nil
}

// Size returns the number of registered workers.
func (r *WorkerRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Counts returns the number of free and busy workers.
func (r *WorkerRegistry) Counts() (free, busy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.workers {
		if s.Busy() {
			busy++
		} else {
			free++
		}
	}
	return free, busy
}

// Snapshot returns a read-only copy of all worker states for /status.
func (r *WorkerRegistry) Snapshot() []WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]WorkerSnapshot, 0, len(r.workers))
	for _, id := range r.order {
		s := r.workers[id]
		snap := WorkerSnapshot{ID: s.ID, ConnectedAt: s.ConnectedAt}
		if s.Job != nil {
			snap.JobID = s.Job.ID
			snap.UserID = s.Job.UserID
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// WorkerSnapshot is a read-only copy of a worker's state.
type WorkerSnapshot struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}
