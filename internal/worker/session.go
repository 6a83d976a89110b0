package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// stderrTailLines is how much solver stderr goes into a crash report.
const stderrTailLines = 20

// Session is the worker's control loop: one router connection, at most one
// running job.
type Session struct {
	cfg      *Config
	profiles Profiles
	logger   *slog.Logger
	conn     *Connection

	mu  sync.Mutex
	run *jobRun
}

// jobRun is the state of one assigned job, from run_sim to teardown.
type jobRun struct {
	job      protocol.JobConfig
	snapshot *Snapshot
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	solver    *Solver
	cancelled bool
}

// NewSession creates a session that runs jobs with profiles.
func NewSession(cfg *Config, profiles Profiles, logger *slog.Logger) *Session {
	s := &Session{
		cfg:      cfg,
		profiles: profiles,
		logger:   logger,
		conn:     NewConnection(cfg, logger.With("component", "connection")),
	}
	s.conn.OnRun(s.handleRun)
	s.conn.OnCancel(s.handleCancel)
	s.conn.OnTmpLog(s.handleTmpLog)
	s.conn.OnTmpTrace(s.handleTmpTrace)
	return s
}

// Run keeps the session connected until ctx is cancelled, reconnecting with
// backoff. On return any running job has been stopped and torn down.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopRun()

	b := newBackoff(s.cfg.ReconnectDelay, s.cfg.ReconnectMaxDelay)
	for {
		err := s.serve(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}

		delay := b.Next()
		s.logger.Warn("disconnected from router, reconnecting",
			"error", err,
			"retry_in", delay.String(),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// CurrentJob returns the job being executed, if any.
func (s *Session) CurrentJob() (protocol.JobConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return protocol.JobConfig{}, false
	}
	return s.run.job, true
}

func (s *Session) serve(ctx context.Context, b *backoff) error {
	if err := s.conn.Dial(ctx); err != nil {
		return err
	}
	defer s.conn.Close()
	b.Reset()

	if err := s.announce(); err != nil {
		return fmt.Errorf("announcing worker: %w", err)
	}
	s.logger.Info("connected to router")
	return s.conn.RunMessageLoop(ctx)
}

// announce sends worker_connect and the current state. Holding s.mu keeps a
// concurrent teardown from reporting ready in between.
func (s *Session) announce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hello := protocol.WorkerConnect{}
	state := protocol.WorkerReady
	if s.run != nil {
		job := s.run.job
		hello.Job = &job
		state = protocol.WorkerBusy
	}
	if err := s.conn.Send(nil, hello); err != nil {
		return err
	}
	return s.conn.Send(nil, protocol.WorkerStatus{State: state})
}

func (s *Session) send(msg protocol.WorkerMessage) {
	if err := s.conn.Send(nil, msg); err != nil {
		s.logger.Warn("message not delivered", "message", msg.MessageName(), "error", err)
	}
}

// --- Router commands ---

func (s *Session) handleRun(job protocol.JobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		s.logger.Warn("refusing job while busy",
			"job_id", job.ID,
			"running_job_id", s.run.job.ID,
		)
		s.send(protocol.SimLogMessage{
			SimRef:  job.Ref(),
			Source:  "system",
			Message: fmt.Sprintf("worker is busy with simulation %s; %s was not started", s.run.job.ID, job.ID),
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		job:      job,
		snapshot: NewSnapshot(s.cfg.LogSnapshotLines, s.cfg.TraceSnapshotChunks),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.run = run
	s.send(protocol.WorkerStatus{State: protocol.WorkerBusy})
	go s.execute(run)
}

func (s *Session) handleCancel(ref protocol.SimRef) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil || run.job.ID != ref.ID {
		s.logger.Warn("cancel for job not running here", "job_id", ref.ID)
		return
	}
	run.stop(s.cfg.CancelGrace)
}

func (s *Session) handleTmpLog(cmdid json.RawMessage) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	book := protocol.LogBook{}
	if run != nil {
		book = run.snapshot.Log()
	}
	if err := s.conn.Send(cmdid, protocol.TmpSimLog{Log: book}); err != nil {
		s.logger.Warn("tmp_sim_log not delivered", "error", err)
	}
}

func (s *Session) handleTmpTrace(cmdid json.RawMessage) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	chunks := []protocol.SimTrace{}
	if run != nil {
		chunks = run.snapshot.Chunks()
	}
	if err := s.conn.Send(cmdid, protocol.TmpSimTrace{Chunks: chunks}); err != nil {
		s.logger.Warn("tmp_sim_trace not delivered", "error", err)
	}
}

// stopRun stops the running job, if any, and waits for its teardown.
func (s *Session) stopRun() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return
	}

	run.stop(s.cfg.CancelGrace)
	select {
	case <-run.done:
	case <-time.After(s.cfg.CancelGrace + 5*time.Second):
		s.logger.Error("job teardown did not complete", "job_id", run.job.ID)
	}
}

// --- Job execution ---

// execute runs one job to completion. Exactly one terminal simStatus is sent
// for it, then status ready once the work dir is gone.
func (s *Session) execute(run *jobRun) {
	logger := s.logger.With("job_id", run.job.ID, "user_id", run.job.UserID)
	f := &forwarder{s: s, run: run, logger: logger}
	defer s.finish(run, logger)

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "simjob-")
	if err != nil {
		f.failed(fmt.Sprintf("creating work dir: %v", err), nil)
		return
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("removing work dir", "work_dir", workDir, "error", err)
		}
	}()

	jobPath := filepath.Join(workDir, "job.json")
	data, err := json.Marshal(run.job)
	if err == nil {
		err = os.WriteFile(jobPath, data, 0o600)
	}
	if err != nil {
		f.failed(fmt.Sprintf("writing job config: %v", err), nil)
		return
	}

	profile, ok := s.profiles[run.job.Solver]
	if !ok {
		f.failed(fmt.Sprintf("no solver configured for %q on this worker", run.job.Solver), nil)
		return
	}
	if profile.Compile != nil && !s.compile(run, f, profile, jobPath, workDir) {
		return
	}

	solver := NewSolver(profile, jobPath, workDir, logger.With("component", "solver"))
	if started, err := run.start(solver); !started {
		if err != nil {
			f.failed(fmt.Sprintf("starting solver: %v", err), nil)
		} else {
			f.cancelled()
		}
		return
	}

	for ev := range solver.Events() {
		f.forward(ev)
	}
	res := solver.Wait()

	switch {
	case f.terminal:
		if !res.Success() {
			logger.Info("solver exited after reporting a result", "state", res.State)
		}
	case run.isCancelled():
		f.cancelled()
	case !res.Success():
		state := res.State
		if state == "" && res.Err != nil {
			state = res.Err.Error()
		}
		logger.Error("solver failed", "state", state)
		f.failed(fmt.Sprintf("solver failed: %s", state), splitLines(solver.StderrTail(stderrTailLines)))
	default:
		f.failed("solver exited without reporting a result", splitLines(solver.StderrTail(stderrTailLines)))
	}
}

// compile runs the profile's compile step under CompileTimeout. A false
// return means the job already got its terminal status.
func (s *Session) compile(run *jobRun, f *forwarder, profile Profile, jobPath, workDir string) bool {
	ctx, cancel := context.WithTimeout(run.ctx, s.cfg.CompileTimeout)
	defer cancel()

	args := expandArgs(profile.Compile.Args, jobPath, workDir, false)
	cmd := exec.CommandContext(ctx, profile.Compile.Command, args...)
	cmd.Dir = workDir
	cmd.Env = environ(profile.Env)
	isolate(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	switch {
	case err == nil:
		f.logger.Debug("model compiled", "output_bytes", len(out))
		return true
	case run.isCancelled():
		f.cancelled()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		f.failed(fmt.Sprintf("model compilation timed out after %s", s.cfg.CompileTimeout), tailLines(out, stderrTailLines))
	default:
		f.failed(fmt.Sprintf("model compilation failed: %v", err), tailLines(out, stderrTailLines))
	}
	return false
}

// finish releases the job and reports ready. Runs after the work dir is
// removed and the solver reaped.
func (s *Session) finish(run *jobRun, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == run {
		s.run = nil
	}
	run.cancel()
	close(run.done)
	logger.Info("job torn down")
	s.send(protocol.WorkerStatus{State: protocol.WorkerReady})
}

// start launches solver unless the run was cancelled first.
func (r *jobRun) start(solver *Solver) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false, nil
	}
	if err := solver.Start(); err != nil {
		return false, err
	}
	r.solver = solver
	return true, nil
}

// stop marks the run cancelled, aborts a pending compile step and stops the
// solver. Later calls do nothing.
func (r *jobRun) stop(grace time.Duration) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	solver := r.solver
	r.mu.Unlock()

	r.cancel()
	if solver != nil {
		solver.Stop(grace)
	}
}

func (r *jobRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// forwarder tags solver events with the job's ids, records them in the
// snapshot and sends them. It lets through at most one terminal status.
type forwarder struct {
	s        *Session
	run      *jobRun
	logger   *slog.Logger
	terminal bool
}

func (f *forwarder) forward(msg protocol.WorkerMessage) {
	ref := f.run.job.Ref()
	snap := f.run.snapshot

	switch m := msg.(type) {
	case protocol.SimProgress:
		m.SimRef = ref
		msg = m
	case protocol.SimTrace:
		m.SimRef = ref
		snap.AddChunk(m)
		msg = m
	case protocol.SimStatusEvent:
		if f.terminal {
			f.logger.Warn("status after terminal status dropped", "status", m.Status)
			return
		}
		m.SimRef = ref
		f.terminal = m.Status.IsTerminal()
		snap.MergeLog(m.Log)
		msg = m
	case protocol.SimLogMessage:
		m.SimRef = ref
		if m.Source == "" {
			m.Source = "solver"
		}
		snap.AddLine(m.Source, m.Message)
		msg = m
	case protocol.SimLog:
		m.SimRef = ref
		snap.MergeLog(m.Log)
		msg = m
	case protocol.SimSpatialStepTrace:
		m.SimRef = ref
		msg = m
	default:
		f.logger.Warn("unexpected solver event", "message", msg.MessageName())
		return
	}
	f.s.send(msg)
}

// failed sends the system log lines, then the error status.
func (f *forwarder) failed(description string, lines []string) {
	if f.terminal {
		return
	}
	ref := f.run.job.Ref()
	if len(lines) > 0 {
		book := protocol.LogBook{"system": lines}
		f.run.snapshot.MergeLog(book)
		f.s.send(protocol.SimLog{SimRef: ref, Log: book})
	}
	f.run.snapshot.AddLine("system", description)
	f.s.send(protocol.SimStatusEvent{
		SimRef:      ref,
		Status:      protocol.StatusError,
		Description: description,
	})
	f.terminal = true
}

func (f *forwarder) cancelled() {
	f.logger.Info("job cancelled")
	f.failed("cancelled by user", []string{"STOP"})
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func tailLines(out []byte, n int) []string {
	lines := splitLines(strings.TrimSpace(string(out)))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// backoff yields reconnect delays: initial, doubling up to ceiling, then
// ceiling for every later attempt.
type backoff struct {
	initial time.Duration
	ceiling time.Duration
	next    time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	return &backoff{initial: initial, ceiling: ceiling, next: initial}
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

func (b *backoff) Reset() {
	b.next = b.initial
}
