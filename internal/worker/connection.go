package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"

	"github.com/auxothq/simrouter/pkg/auth"
	"github.com/auxothq/simrouter/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 20
)

var (
	errNotConnected = errors.New("not connected")
	// ErrUnauthorized is returned by Dial when the router rejects the key.
	ErrUnauthorized = errors.New("router rejected worker key")
)

// Connection manages the WebSocket connection to the router.
type Connection struct {
	cfg    *Config
	logger *slog.Logger
	debug  *frameDebugger

	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn

	// Callbacks, invoked on the read loop goroutine.
	onRun      func(job protocol.JobConfig)
	onCancel   func(ref protocol.SimRef)
	onTmpLog   func(cmdid json.RawMessage)
	onTmpTrace func(cmdid json.RawMessage)
}

// NewConnection creates a Connection to the router at cfg.RouterURL.
func NewConnection(cfg *Config, logger *slog.Logger) *Connection {
	return &Connection{
		cfg:    cfg,
		logger: logger,
		debug:  newFrameDebugger(cfg.DebugLevel),
	}
}

// OnRun registers a callback invoked when the router assigns a job.
func (c *Connection) OnRun(fn func(job protocol.JobConfig)) { c.onRun = fn }

// OnCancel registers a callback invoked when the router cancels a job.
func (c *Connection) OnCancel(fn func(ref protocol.SimRef)) { c.onCancel = fn }

// OnTmpLog registers a callback for get_tmp_sim_log.
func (c *Connection) OnTmpLog(fn func(cmdid json.RawMessage)) { c.onTmpLog = fn }

// OnTmpTrace registers a callback for get_tmp_sim_trace.
func (c *Connection) OnTmpTrace(fn func(cmdid json.RawMessage)) { c.onTmpTrace = fn }

// Dial opens the /sim channel, presenting the worker key if one is set.
func (c *Connection) Dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.WorkerKey != "" {
		header.Set(auth.HeaderWorkerKey, c.cfg.WorkerKey)
	}

	c.logger.Info("connecting to router", "url", c.cfg.RouterURL)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.RouterURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("connecting to router: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Send writes one worker → router message. cmdid is nil except for replies.
func (c *Connection) Send(cmdid json.RawMessage, msg protocol.WorkerMessage) error {
	frame, err := protocol.MarshalWorkerMessage(cmdid, msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.debug.sent(frame)
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// RunMessageLoop reads commands from the router until the connection closes
// or ctx is cancelled, dispatching them to the registered callbacks. It also
// pings the router; a router silent for three ping intervals is treated as
// gone.
func (c *Connection) RunMessageLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	readTimeout := 3 * c.cfg.PingInterval
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("unexpected disconnect: %w", err)
			}
			return nil // Normal close
		}
		extend()
		c.debug.received(data)

		cmd, err := protocol.ParseWorkerCommand(data)
		if err != nil {
			c.logger.Warn("invalid command from router", "error", err)
			continue
		}

		switch m := cmd.(type) {
		case protocol.RunSim:
			c.logger.Info("received job",
				"job_id", m.Job.ID,
				"user_id", m.Job.UserID,
				"solver", m.Job.Solver,
			)
			if c.onRun != nil {
				c.onRun(m.Job)
			}
		case protocol.CancelSim:
			c.logger.Info("received cancel", "job_id", m.Sim.ID)
			if c.onCancel != nil {
				c.onCancel(m.Sim)
			}
		case protocol.GetTmpSimLog:
			if c.onTmpLog != nil {
				c.onTmpLog(m.CmdID)
			}
		case protocol.GetTmpSimTrace:
			if c.onTmpTrace != nil {
				c.onTmpTrace(m.CmdID)
			}
		default:
			c.logger.Warn("unexpected command from router", "type", fmt.Sprintf("%T", m))
		}
	}
}

// Close closes the WebSocket connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connection) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := jitterbug.New(c.cfg.PingInterval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Warn("ping send failed", "error", err)
				return
			}
		}
	}
}
