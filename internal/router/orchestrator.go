package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/auxothq/simrouter/internal/metrics"
	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/protocol"
	"github.com/auxothq/simrouter/pkg/queue"
)

var (
	// ErrInvalidJob wraps validation failures of a submitted JobConfig.
	ErrInvalidJob = errors.New("invalid job")
	// ErrForbidden is returned when a session acts on another user's job.
	ErrForbidden = errors.New("simulation belongs to another user")
	// ErrTerminalJob is returned when a job id that already ran to a
	// terminal status is submitted again.
	ErrTerminalJob = errors.New("simulation already completed")
)

// relay is a pending get_tmp_* round-trip to a worker.
type relay struct {
	kind     protocol.WorkerCommandType
	workerID string
	session  *ClientSession
	cmdid    json.RawMessage // the client's correlation id
	simID    string
	userID   string
}

// Orchestrator binds the job queue, both registries, the status ledger and
// the store. Every exported method takes o.mu for its whole duration,
// including store calls and sends, so no two operations interleave.
type Orchestrator struct {
	mu sync.Mutex

	queue   *queue.JobQueue
	workers *WorkerRegistry
	clients *ClientRegistry
	repo    store.Repository
	traces  *store.TraceFiles
	metrics *metrics.Collector
	valid   *validator.Validate
	logger  *slog.Logger

	statuses  map[string]protocol.SimStatus // jobID → last status
	lastChunk map[string]int                // jobID → last accepted trace index
	relays    map[string]relay              // router cmdid (raw JSON) → request
}

// NewOrchestrator creates an orchestrator with empty registries. m may be nil.
func NewOrchestrator(repo store.Repository, traces *store.TraceFiles, m *metrics.Collector, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		queue:     queue.NewJobQueue(),
		workers:   NewWorkerRegistry(logger.With("component", "workers")),
		clients:   NewClientRegistry(logger.With("component", "clients")),
		repo:      repo,
		traces:    traces,
		metrics:   m,
		valid:     validator.New(),
		logger:    logger,
		statuses:  make(map[string]protocol.SimStatus),
		lastChunk: make(map[string]int),
		relays:    make(map[string]relay),
	}
}

// --- Sessions ---

// ConnectWorker registers a worker after its worker_connect handshake.
// announced is the job the worker says it is already running (nil when it
// is free). A mid-run reconnect takes the job over from any stale session;
// if the job already reached a terminal status the worker is told to stop.
func (o *Orchestrator) ConnectWorker(ctx context.Context, s *WorkerSession, announced *protocol.JobConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s.Job = nil
	if err := o.workers.Register(s); err != nil {
		return err
	}
	if announced != nil {
		o.reassociate(s, announced.Clone())
	}
	o.runAvailable(ctx)
	return nil
}

func (o *Orchestrator) reassociate(s *WorkerSession, job protocol.JobConfig) {
	if o.queue.Remove(job.ID) {
		o.logger.Warn("announced job was still queued", "job_id", job.ID, "worker_id", s.ID)
	}

	stale, err := o.workers.PruneAndReassociate(s.ID, job)
	if err != nil {
		o.logger.Error("reassociating job", "worker_id", s.ID, "job_id", job.ID, "error", err)
		return
	}
	if stale != nil {
		o.dropRelays(func(r relay) bool { return r.workerID == stale.ID }, "worker reconnected")
		_ = stale.Conn.Close()
	}
	o.logger.Info("worker resumed job",
		"worker_id", s.ID,
		"job_id", job.ID,
		"user_id", job.UserID,
	)

	if cur, ok := o.statuses[job.ID]; ok && cur.IsTerminal() {
		o.logger.Info("resumed job already terminal, cancelling", "job_id", job.ID, "status", cur)
		if err := o.sendCommand(s, protocol.CancelSim{Sim: job.Ref()}); err != nil {
			o.logger.Warn("sending cancel_sim", "worker_id", s.ID, "job_id", job.ID, "error", err)
		}
	}
}

// UnregisterWorker removes a worker. A job it still held goes to error.
// Unknown or already evicted ids are ignored.
func (o *Orchestrator) UnregisterWorker(ctx context.Context, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, job := o.workers.Unregister(id)
	if s == nil {
		return
	}
	o.dropRelays(func(r relay) bool { return r.workerID == id }, "worker disconnected")

	if job != nil {
		o.logger.Warn("worker lost with assigned job",
			"worker_id", id,
			"job_id", job.ID,
			"user_id", job.UserID,
		)
		o.failJob(ctx, job.Ref(), "worker disconnected while running the simulation")
		delete(o.lastChunk, job.ID)
	}
	o.runAvailable(ctx)
}

func (o *Orchestrator) RegisterClient(s *ClientSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients.Add(s)
	o.updateGauges()
}

func (o *Orchestrator) UnregisterClient(s *ClientSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients.Remove(s)
	o.dropRelays(func(r relay) bool { return r.session.ID == s.ID }, "")
	o.updateGauges()
}

// --- Scheduling ---

// ScheduleSim validates and queues job, then runs a scheduling pass.
func (o *Orchestrator) ScheduleSim(ctx context.Context, job protocol.JobConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scheduleLocked(ctx, job)
}

func (o *Orchestrator) scheduleLocked(ctx context.Context, job protocol.JobConfig) error {
	if err := o.valid.Struct(job); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if o.queue.Contains(job.ID) {
		return fmt.Errorf("%w: %s is queued", queue.ErrDuplicateJob, job.ID)
	}
	if _, running := o.workers.FindByJobID(job.ID); running {
		return fmt.Errorf("%w: %s is running", queue.ErrDuplicateJob, job.ID)
	}
	if err := o.checkNotTerminal(ctx, job.Ref()); err != nil {
		return err
	}

	job = job.Clone()
	job.Status = protocol.StatusQueued
	job.Progress = 0
	job.Description = ""

	if err := o.traces.Seed(job.ID); err != nil {
		o.logger.Error("seeding trace files", "job_id", job.ID, "error", err)
	}

	delete(o.lastChunk, job.ID)
	o.setStatus(ctx, job.Ref(), protocol.StatusQueued, "", &job)

	if err := o.queue.Enqueue(job); err != nil {
		return err
	}
	o.metrics.JobScheduled()
	o.logger.Info("job queued",
		"job_id", job.ID,
		"user_id", job.UserID,
		"solver", job.Solver,
		"queue_depth", o.queue.Len(),
	)

	o.runAvailable(ctx)
	return nil
}

// checkNotTerminal refuses a job id whose ledger entry or stored record
// is already terminal. The ledger does not survive a restart, so the store
// is asked too. A store that cannot answer does not block scheduling.
func (o *Orchestrator) checkNotTerminal(ctx context.Context, ref protocol.SimRef) error {
	if cur, ok := o.statuses[ref.ID]; ok {
		if cur.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalJob, ref.ID, cur)
		}
		return nil
	}
	rec, err := o.repo.GetSimulation(ctx, ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		o.logger.Warn("reading stored simulation", "job_id", ref.ID, "error", err)
		return nil
	case rec.Status.IsTerminal():
		o.statuses[ref.ID] = rec.Status
		return fmt.Errorf("%w: %s is %s", ErrTerminalJob, ref.ID, rec.Status)
	}
	return nil
}

// CancelSim marks the job cancelled, then removes it from the queue or
// tells its worker to stop.
func (o *Orchestrator) CancelSim(ctx context.Context, ref protocol.SimRef) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelLocked(ctx, ref)
}

func (o *Orchestrator) cancelLocked(ctx context.Context, ref protocol.SimRef) error {
	if job, ok := o.queue.Get(ref.ID); ok && job.UserID != ref.UserID {
		return ErrForbidden
	}
	if w, ok := o.workers.FindByJobID(ref.ID); ok && w.Job.UserID != ref.UserID {
		return ErrForbidden
	}

	o.setStatus(ctx, ref, protocol.StatusCancelled, "cancelled by user", nil)

	if o.queue.Remove(ref.ID) {
		o.logger.Info("queued job cancelled", "job_id", ref.ID, "user_id", ref.UserID)
		o.updateGauges()
		return nil
	}

	w, ok := o.workers.FindByJobID(ref.ID)
	if !ok {
		o.logger.Debug("cancel for job neither queued nor running", "job_id", ref.ID)
		return nil
	}
	if err := o.sendCommand(w, protocol.CancelSim{Sim: w.Job.Ref()}); err != nil {
		o.logger.Warn("sending cancel_sim", "worker_id", w.ID, "job_id", ref.ID, "error", err)
		return nil
	}
	o.logger.Info("running job cancel sent", "job_id", ref.ID, "worker_id", w.ID)
	return nil
}

// runAvailable hands queued jobs to free workers until either runs out.
// Callers hold o.mu.
func (o *Orchestrator) runAvailable(ctx context.Context) {
	defer o.updateGauges()

	for o.queue.Len() > 0 {
		free := o.workers.FreeWorkers()
		if len(free) == 0 {
			return
		}
		w := free[0]
		job, _ := o.queue.PopNext()

		if err := o.workers.MarkBusy(w.ID, job); err != nil {
			o.logger.Error("assigning job", "worker_id", w.ID, "job_id", job.ID, "error", err)
			_ = o.queue.PushFront(job)
			return
		}

		if err := o.sendCommand(w, protocol.RunSim{Job: job}); err != nil {
			o.logger.Warn("dispatch failed, dropping worker",
				"worker_id", w.ID,
				"job_id", job.ID,
				"error", err,
			)
			o.workers.MarkFree(w.ID)
			o.workers.Unregister(w.ID)
			_ = w.Conn.Close()
			if err := o.queue.PushFront(job); err != nil {
				o.logger.Error("requeueing job", "job_id", job.ID, "error", err)
			}
			continue
		}

		o.logger.Info("job dispatched",
			"worker_id", w.ID,
			"job_id", job.ID,
			"user_id", job.UserID,
		)
	}
}

// RunningSimIDs returns the ids of jobs assigned to a worker.
func (o *Orchestrator) RunningSimIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers.RunningJobIDs()
}

// QueuedSimIDs returns the queued job ids in dispatch order.
func (o *Orchestrator) QueuedSimIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.IDs()
}

// Status returns the last known status of a job.
func (o *Orchestrator) Status(jobID string) (protocol.SimStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.statuses[jobID]
	return s, ok
}

// FindWorker returns the worker running jobID.
func (o *Orchestrator) FindWorker(jobID string) (*WorkerSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers.FindByJobID(jobID)
}

// StatusSnapshot is served on /status.
type StatusSnapshot struct {
	Workers []WorkerSnapshot `json:"workers"`
	Queue   []string         `json:"queue"`
	Running []string         `json:"running"`
	Clients int              `json:"clients"`
}

func (o *Orchestrator) Snapshot() StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return StatusSnapshot{
		Workers: o.workers.Snapshot(),
		Queue:   o.queue.IDs(),
		Running: o.workers.RunningJobIDs(),
		Clients: o.clients.Count(),
	}
}

// --- Status ledger ---

// setStatus records, persists and broadcasts a transition. A transition out
// of a terminal status is refused. job, when set, is used to create the
// record if the store has none.
func (o *Orchestrator) setStatus(ctx context.Context, ref protocol.SimRef, status protocol.SimStatus, description string, job *protocol.JobConfig) bool {
	if cur, ok := o.statuses[ref.ID]; ok && cur.IsTerminal() {
		o.logger.Warn("refused transition out of terminal status",
			"job_id", ref.ID,
			"from", cur,
			"to", status,
		)
		o.metrics.TransitionRejected()
		return false
	}
	o.statuses[ref.ID] = status
	if status.IsTerminal() {
		o.metrics.JobTerminal(string(status))
	}

	patch := protocol.SimulationPatch{
		ID:          ref.ID,
		UserID:      ref.UserID,
		Status:      &status,
		Description: &description,
	}
	err := o.repo.UpdateSimulation(ctx, patch)
	if errors.Is(err, store.ErrNotFound) && job != nil {
		rec := job.Clone()
		rec.Status = status
		rec.Description = description
		err = o.repo.CreateSimulation(ctx, rec)
	}
	if err != nil {
		o.logger.Warn("persisting status", "job_id", ref.ID, "status", status, "error", err)
	}

	o.broadcast(ref.UserID, protocol.ReplySimStatus, protocol.StatusNotice{
		SimID:       ref.ID,
		Status:      status,
		Description: description,
	})
	return true
}

// failJob forces a job to error and stores a system log line explaining why.
func (o *Orchestrator) failJob(ctx context.Context, ref protocol.SimRef, reason string) {
	if !o.setStatus(ctx, ref, protocol.StatusError, reason, nil) {
		return
	}
	o.storeSystemLog(ctx, ref, reason)
}

func (o *Orchestrator) storeSystemLog(ctx context.Context, ref protocol.SimRef, line string) {
	err := o.repo.CreateSimLog(ctx, protocol.SimLog{
		SimRef: ref,
		Log:    protocol.LogBook{"system": {line}},
	})
	if err != nil {
		o.logger.Warn("persisting system log", "job_id", ref.ID, "error", err)
	}
}

// --- Fan-out helpers ---

func (o *Orchestrator) broadcast(userID, cmd string, data any) {
	frame, err := protocol.NewClientFrame(cmd, nil, data)
	if err != nil {
		o.logger.Error("building client frame", "cmd", cmd, "error", err)
		return
	}
	o.clients.Broadcast(userID, frame)
}

func (o *Orchestrator) reply(s *ClientSession, cmd string, cmdid json.RawMessage, data any) {
	frame, err := protocol.NewClientFrame(cmd, cmdid, data)
	if err != nil {
		o.logger.Error("building client frame", "cmd", cmd, "error", err)
		return
	}
	if err := s.Conn.Send(frame); err != nil {
		o.logger.Debug("reply to closed session", "session_id", s.ID, "cmd", cmd, "error", err)
	}
}

func (o *Orchestrator) replyError(s *ClientSession, cmdid json.RawMessage, err error) {
	o.reply(s, protocol.ReplyError, cmdid, protocol.ErrorReply{Message: err.Error()})
}

func (o *Orchestrator) sendCommand(w *WorkerSession, cmd protocol.WorkerCommand) error {
	frame, err := protocol.MarshalWorkerCommand(cmd)
	if err != nil {
		return err
	}
	return w.Conn.Send(frame)
}

// dropRelays forgets pending relays matching fn. If reason is set, the
// waiting client gets an error reply.
func (o *Orchestrator) dropRelays(match func(relay) bool, reason string) {
	for id, r := range o.relays {
		if !match(r) {
			continue
		}
		delete(o.relays, id)
		if reason != "" {
			o.replyError(r.session, r.cmdid, errors.New(reason))
		}
	}
}

func (o *Orchestrator) updateGauges() {
	free, busy := o.workers.Counts()
	o.metrics.SetPool(free, busy, o.queue.Len(), o.clients.Count())
}

// --- Live log/trace ---

// requestLive asks the worker running simID for its in-memory state on
// behalf of a client request. Returns false if the job is not running.
func (o *Orchestrator) requestLive(s *ClientSession, cmdid json.RawMessage, simID string, kind protocol.WorkerCommandType) bool {
	w, ok := o.workers.FindByJobID(simID)
	if !ok {
		return false
	}

	corr, _ := json.Marshal(uuid.NewString())
	var cmd protocol.WorkerCommand = protocol.GetTmpSimLog{CmdID: corr}
	if kind == protocol.CmdGetTmpSimTrace {
		cmd = protocol.GetTmpSimTrace{CmdID: corr}
	}

	o.relays[string(corr)] = relay{
		kind:     kind,
		workerID: w.ID,
		session:  s,
		cmdid:    cmdid,
		simID:    simID,
		userID:   w.Job.UserID,
	}
	if err := o.sendCommand(w, cmd); err != nil {
		delete(o.relays, string(corr))
		o.replyError(s, cmdid, fmt.Errorf("requesting live state of %s: %w", simID, err))
	}
	return true
}
