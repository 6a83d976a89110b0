package router

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds every frame write.
const writeTimeout = 10 * time.Second

// outboxSize bounds the frames waiting to be written to one client.
const outboxSize = 256

var (
	errConnClosed = errors.New("connection closed")
	errSlowClient = errors.New("client outbox full")
)

// Conn is the outbound half of a session's transport.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// wsConn serialises writes to a websocket (gorilla allows one concurrent
// writer) and applies a write deadline to each.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (c *wsConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// queuedConn hands frames to a writer goroutine, so a stalled client never
// holds up the caller. A client whose outbox fills up is disconnected.
type queuedConn struct {
	ws     *wsConn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func newQueuedConn(ws *wsConn) *queuedConn {
	c := &queuedConn{
		ws:     ws,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *queuedConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		_ = c.Close()
		return errSlowClient
	}
}

func (c *queuedConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbox:
			if err := c.ws.Send(frame); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *queuedConn) Close() error {
	err := errConnClosed
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
