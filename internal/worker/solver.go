package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// eventQueueSize bounds solver events waiting for the forwarder. A full
// queue blocks the stdout reader, which in turn blocks the solver's writes.
const eventQueueSize = 10

// maxEventSize bounds one NDJSON line on the solver's stdout.
const maxEventSize = 64 << 20

var errNotEvent = errors.New("not a solver event")

// Solver manages one solver subprocess. The solver writes one JSON object
// per line to stdout, {"type": <worker message name>, "data": {...}}, for
// example {"type":"simProgress","data":{"progress":40}}. Lines that are not
// JSON become solver log messages. Stderr is kept in a ring for crash
// reports.
type Solver struct {
	profile Profile
	jobPath string
	workDir string
	logger  *slog.Logger

	cmd    *exec.Cmd
	events chan protocol.WorkerMessage
	stderr *stderrRing
	exited chan struct{}

	mu       sync.Mutex
	started  bool
	stopping bool
}

// NewSolver prepares a solver run of profile for the job config at jobPath.
func NewSolver(profile Profile, jobPath, workDir string, logger *slog.Logger) *Solver {
	return &Solver{
		profile: profile,
		jobPath: jobPath,
		workDir: workDir,
		logger:  logger,
		events:  make(chan protocol.WorkerMessage, eventQueueSize),
		stderr:  newStderrRing(logger, 50),
		exited:  make(chan struct{}),
	}
}

// Start spawns the solver in its own process group.
func (s *Solver) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("solver already started")
	}

	args := expandArgs(s.profile.Args, s.jobPath, s.workDir, true)
	s.cmd = exec.Command(s.profile.Command, args...)
	s.cmd.Dir = s.workDir
	s.cmd.Env = environ(s.profile.Env)
	s.cmd.Stderr = s.stderr
	isolate(s.cmd)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating solver stdout pipe: %w", err)
	}

	s.logger.Info("spawning solver",
		"binary", s.profile.Command,
		"args", args,
		"work_dir", s.workDir,
	)
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("starting solver: %w", err)
	}
	s.started = true

	go s.pump(stdout)
	return nil
}

// Events yields parsed solver events. The channel closes when the solver's
// stdout does.
func (s *Solver) Events() <-chan protocol.WorkerMessage {
	return s.events
}

// Wait reaps the solver. Call it only after Events is drained.
func (s *Solver) Wait() ExitResult {
	err := s.cmd.Wait()
	close(s.exited)

	res := ExitResult{Code: -1, Err: err}
	if s.cmd.ProcessState != nil {
		res.Code = s.cmd.ProcessState.ExitCode()
		res.State = s.cmd.ProcessState.String()
	}
	return res
}

// Stop sends SIGTERM to the process group and SIGKILL if it has not exited
// after grace. Safe to call more than once and before Start.
func (s *Solver) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	proc := s.cmd.Process
	s.mu.Unlock()

	s.logger.Info("stopping solver", "pid", proc.Pid, "grace", grace)
	if err := terminateGroup(proc); err != nil {
		s.logger.Warn("signalling solver", "pid", proc.Pid, "error", err)
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.logger.Warn("solver did not exit gracefully, killing", "pid", proc.Pid)
			if err := killGroup(proc); err != nil {
				s.logger.Warn("killing solver", "pid", proc.Pid, "error", err)
			}
		}
	}()
}

// StderrTail returns up to n recent stderr lines.
func (s *Solver) StderrTail(n int) string {
	return s.stderr.RecentLines(n)
}

func (s *Solver) pump(r io.Reader) {
	defer close(s.events)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := parseSolverEvent(line)
		switch {
		case errors.Is(err, errNotEvent):
			msg = protocol.SimLogMessage{Source: "stdout", Message: string(line)}
		case err != nil:
			s.logger.Warn("invalid solver event dropped", "error", err)
			continue
		}
		s.events <- msg
	}
	if err := sc.Err(); err != nil {
		s.logger.Error("reading solver output", "error", err)
		// Keep draining so the solver never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// parseSolverEvent decodes one stdout line into a job event.
func parseSolverEvent(line []byte) (protocol.WorkerMessage, error) {
	var ev struct {
		Type protocol.WorkerMessageType `json:"type"`
		Data json.RawMessage            `json:"data"`
	}
	if line[0] != '{' || json.Unmarshal(line, &ev) != nil || ev.Type == "" {
		return nil, errNotEvent
	}

	frame, err := json.Marshal(protocol.WorkerEnvelope{Message: ev.Type, Data: ev.Data})
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseWorkerMessage(frame)
	if err != nil {
		return nil, err
	}
	switch msg.(type) {
	case protocol.SimProgress, protocol.SimTrace, protocol.SimStatusEvent,
		protocol.SimLogMessage, protocol.SimLog, protocol.SimSpatialStepTrace:
		return msg, nil
	}
	return nil, fmt.Errorf("%s is not a job event", ev.Type)
}

// ExitResult describes how the solver process ended.
type ExitResult struct {
	Code  int
	State string // e.g. "exit status 3", "signal: killed"
	Err   error
}

// Success reports a clean zero exit.
func (r ExitResult) Success() bool {
	return r.Err == nil && r.Code == 0
}

// stderrRing keeps the last maxLines lines written to it, logging any that
// look like failures.
type stderrRing struct {
	logger   *slog.Logger
	mu       sync.Mutex
	buf      []byte
	lines    []string
	maxLines int
}

func newStderrRing(logger *slog.Logger, maxLines int) *stderrRing {
	return &stderrRing{
		logger:   logger,
		maxLines: maxLines,
	}
}

func (c *stderrRing) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, p...)

	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			if len(c.buf) > 4096 {
				c.buf = c.buf[len(c.buf)-2048:]
			}
			break
		}

		line := strings.TrimSpace(string(c.buf[:idx]))
		c.buf = c.buf[idx+1:]
		if line == "" {
			continue
		}

		c.lines = append(c.lines, line)
		if len(c.lines) > c.maxLines {
			c.lines = c.lines[len(c.lines)-c.maxLines:]
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") ||
			strings.Contains(lower, "fatal") ||
			strings.Contains(lower, "abort") ||
			strings.Contains(lower, "segmentation fault") {
			c.logger.Warn("solver stderr", "line", line)
		}
	}

	return len(p), nil
}

// RecentLines returns up to n lines, including a trailing unterminated one.
func (c *stderrRing) RecentLines(n int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := c.lines
	if tail := strings.TrimSpace(string(c.buf)); tail != "" {
		lines = append(append([]string(nil), lines...), tail)
	}
	if len(lines) == 0 {
		return ""
	}
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}
	return strings.Join(lines[start:], "\n")
}
