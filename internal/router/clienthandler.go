package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// ClientHandler serves the /ws?userId= client channel.
type ClientHandler struct {
	orch     *Orchestrator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewClientHandler(orch *Orchestrator, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)
	wc := newWSConn(conn)

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.logger.Warn("client without userId rejected", "remote_addr", r.RemoteAddr)
		_ = wc.CloseWith(websocket.ClosePolicyViolation, "missing userId")
		return
	}

	out := newQueuedConn(wc)
	defer out.Close()

	session := &ClientSession{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   out,
	}
	h.orch.RegisterClient(session)
	defer h.orch.UnregisterClient(session)

	h.logger.Info("client connected", "session_id", session.ID, "user_id", userID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("client disconnected unexpectedly", "session_id", session.ID, "error", err)
			} else {
				h.logger.Info("client disconnected", "session_id", session.ID)
			}
			return
		}

		msg, cmdid, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.logger.Warn("invalid client message", "session_id", session.ID, "error", err)
			if len(cmdid) > 0 {
				h.sendError(session, cmdid, err)
			}
			continue
		}
		h.orch.ProcessClientMessage(ctx, session, msg)
	}
}

func (h *ClientHandler) sendError(s *ClientSession, cmdid []byte, err error) {
	frame, ferr := protocol.NewClientFrame(protocol.ReplyError, cmdid, protocol.ErrorReply{Message: err.Error()})
	if ferr != nil {
		return
	}
	if err := s.Conn.Send(frame); err != nil {
		h.logger.Debug("error reply to closed session", "session_id", s.ID, "error", err)
	}
}
