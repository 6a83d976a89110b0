// Frame debugging for the worker.
//
// All output is JSON in slog's shape. When stdout is a TTY, JSON is
// pretty-printed for human readability.
//
// Debug levels (--debug flag):
//
//	Level 0 (default): quiet
//	Level 1: one summary line per websocket frame; trace and spatial
//	         payloads are collapsed to their size
//	Level 2: full frames
package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/auxothq/simrouter/pkg/logutil"
)

// collapseAbove is the payload size (bytes) above which level 1 prints
// only the size.
const collapseAbove = 512

// frameDebugger dumps websocket frames to stdout.
type frameDebugger struct {
	level int
	mu    sync.Mutex
	out   io.Writer
}

func newFrameDebugger(level int) *frameDebugger {
	return &frameDebugger{level: level, out: os.Stdout}
}

// sent logs a worker → router frame.
func (d *frameDebugger) sent(frame []byte) {
	d.dump("ws_send", "worker", "router", frame)
}

// received logs a router → worker frame.
func (d *frameDebugger) received(frame []byte) {
	d.dump("ws_recv", "router", "worker", frame)
}

func (d *frameDebugger) dump(msg, source, dest string, frame []byte) {
	if d == nil || d.level < 1 {
		return
	}

	var payload any = json.RawMessage(frame)
	if d.level < 2 {
		payload = summarizeFrame(frame)
	}

	entry := debugEntry{
		Time:    time.Now().Format(time.RFC3339Nano),
		Level:   "DEBUG",
		Msg:     msg,
		Source:  source,
		Dest:    dest,
		Payload: payload,
	}
	data := formatJSON(entry)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.out.Write(data)
	_, _ = d.out.Write([]byte("\n"))
}

// summarizeFrame keeps the envelope tags and collapses large data.
func summarizeFrame(frame []byte) map[string]any {
	var env struct {
		Cmd     string          `json:"cmd,omitempty"`
		Message string          `json:"message,omitempty"`
		CmdID   json.RawMessage `json:"cmdid,omitempty"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return map[string]any{"invalid": err.Error(), "bytes": len(frame)}
	}

	out := map[string]any{}
	if env.Cmd != "" {
		out["cmd"] = env.Cmd
	}
	if env.Message != "" {
		out["message"] = env.Message
	}
	if len(env.CmdID) > 0 && string(env.CmdID) != "null" {
		out["cmdid"] = env.CmdID
	}

	var ids struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	}
	if json.Unmarshal(env.Data, &ids) == nil && ids.ID != "" {
		out["job_id"] = ids.ID
		out["user_id"] = ids.UserID
	}

	if len(env.Data) > collapseAbove {
		out["data"] = fmt.Sprintf("(%d bytes)", len(env.Data))
	} else if len(env.Data) > 0 {
		out["data"] = env.Data
	}
	return out
}

// debugEntry is the JSON envelope for debug log lines.
// Matches slog's JSON shape so all output is visually consistent.
type debugEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	Source  string `json:"source"`
	Dest    string `json:"dest"`
	Payload any    `json:"payload"`
}

// formatJSON marshals v, pretty on TTY, compact on pipe.
func formatJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if logutil.IsTTY() {
		enc.SetIndent("", "  ")
	}

	if err := enc.Encode(v); err != nil {
		return []byte(fmt.Sprintf(`{"error":"marshal: %v"}`, err))
	}

	// Encode adds a trailing newline; callers add their own
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
