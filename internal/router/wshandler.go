package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"

	"github.com/auxothq/simrouter/pkg/auth"
	"github.com/auxothq/simrouter/pkg/protocol"
)

// WorkerKeyHeader carries the worker key on the /sim upgrade request.
const WorkerKeyHeader = auth.HeaderWorkerKey

// inboxSize bounds the frames read ahead of the orchestrator for one worker.
const inboxSize = 256

// maxFrameSize bounds a single inbound websocket frame. Spatial samples of
// large meshes are the biggest messages on either channel.
const maxFrameSize = 64 << 20

// WorkerHandler serves the /sim worker channel.
//
// Lifecycle of one connection:
//  1. Check X-Worker-Key (when a hash is configured), then upgrade.
//  2. Wait for worker_connect; register the worker with the orchestrator.
//  3. Ping on a jittered ticker; every pong extends the read deadline by
//     DeadWorkerTimeout. A missed deadline ends the read loop.
//  4. Feed every frame to the orchestrator in receipt order, from a
//     separate goroutine, so pongs are still read while the orchestrator
//     is busy.
//  5. On exit, unregister. A job still held goes to error.
type WorkerHandler struct {
	orch     *Orchestrator
	verifier *auth.Verifier
	config   *Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWorkerHandler creates the worker channel handler.
func NewWorkerHandler(orch *Orchestrator, verifier *auth.Verifier, config *Config, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{
		orch:     orch,
		verifier: verifier,
		config:   config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WorkerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "invalid worker key", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	wc := newWSConn(conn)
	h.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendDeadline(conn)
		return nil
	})

	// First message must be worker_connect.
	_, data, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("reading worker_connect", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	msg, err := protocol.ParseWorkerMessage(data)
	if err != nil {
		h.logger.Warn("parsing worker_connect", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	hello, ok := msg.(protocol.WorkerConnect)
	if !ok {
		h.logger.Warn("first message must be worker_connect", "got", msg.MessageName())
		_ = wc.CloseWith(websocket.ClosePolicyViolation, "expected worker_connect")
		return
	}

	session := &WorkerSession{
		ID:          uuid.NewString(),
		Conn:        wc,
		ConnectedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.orch.ConnectWorker(ctx, session, hello.Job); err != nil {
		h.logger.Error("registering worker", "worker_id", session.ID, "error", err)
		return
	}
	defer h.orch.UnregisterWorker(context.Background(), session.ID)

	attrs := []any{"worker_id", session.ID, "remote_addr", r.RemoteAddr}
	if hello.Job != nil {
		attrs = append(attrs, "resumed_job_id", hello.Job.ID)
	}
	h.logger.Info("worker connected", attrs...)

	go h.pingLoop(ctx, session.ID, wc)
	h.messageLoop(ctx, session.ID, conn)
}

func (h *WorkerHandler) authorize(r *http.Request) bool {
	if !h.verifier.Enabled() {
		return true
	}
	key := r.Header.Get(WorkerKeyHeader)
	if err := auth.ValidateKeyPrefix(key); err != nil {
		h.logger.Warn("worker key rejected", "remote_addr", r.RemoteAddr, "error", err)
		return false
	}
	valid, err := h.verifier.VerifyWorkerKey(key)
	if err != nil || !valid {
		h.logger.Warn("invalid worker key", "remote_addr", r.RemoteAddr, "error", err)
		return false
	}
	return true
}

func (h *WorkerHandler) extendDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(h.config.DeadWorkerTimeout))
}

// pingLoop pings the worker until ctx is done or a ping cannot be written.
func (h *WorkerHandler) pingLoop(ctx context.Context, workerID string, wc *wsConn) {
	ticker := jitterbug.New(h.config.PingInterval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.Ping(); err != nil {
				h.logger.Debug("ping failed", "worker_id", workerID, "error", err)
				return
			}
		}
	}
}

// messageLoop reads frames until the connection fails or the read deadline
// passes. Frames are processed in order by a second goroutine; messageLoop
// returns once every frame read has been processed.
func (h *WorkerHandler) messageLoop(ctx context.Context, workerID string, conn *websocket.Conn) {
	inbox := make(chan protocol.WorkerMessage, inboxSize)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		for msg := range inbox {
			h.orch.ProcessWorkerMessage(ctx, workerID, msg)
		}
	}()
	defer func() {
		close(inbox)
		<-processed
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("worker disconnected unexpectedly", "worker_id", workerID, "error", err)
			} else {
				h.logger.Info("worker disconnected", "worker_id", workerID)
			}
			return
		}
		h.extendDeadline(conn)

		msg, err := protocol.ParseWorkerMessage(data)
		if err != nil {
			h.logger.Warn("invalid message from worker", "worker_id", workerID, "error", err)
			continue
		}
		inbox <- msg
	}
}
