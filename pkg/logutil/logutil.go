// Package logutil holds the slog setup shared by simrouter and simworker.
//
// JSON records are routed by level: INFO/DEBUG to stdout, WARN/ERROR to the
// writer handed to Output (stderr in both binaries). When stdout is a TTY
// the stdout stream is pretty-printed.
package logutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel is the environment variable both binaries read their level from.
const EnvLevel = "SIM_LOG_LEVEL"

// isTTY is set once at init time (checks stdout for piping detection).
var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// Output returns a writer for slog.NewJSONHandler that sends WARN/ERROR
// records to errw and everything else to stdout.
func Output(errw io.Writer) io.Writer {
	return newRouter(maybeWrapPretty(os.Stdout), errw)
}

func newRouter(out, errw io.Writer) *levelRoutingWriter {
	return &levelRoutingWriter{stdout: out, stderr: errw}
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
// The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds the JSON logger used by both binaries, leveled from
// SIM_LOG_LEVEL. An unknown level falls back to info with a warning.
func New(errw io.Writer) *slog.Logger {
	level, err := ParseLevel(os.Getenv(EnvLevel))
	logger := slog.New(slog.NewJSONHandler(Output(errw), &slog.HandlerOptions{Level: level}))
	if err != nil {
		logger.Warn("ignoring "+EnvLevel, "error", err)
	}
	return logger
}

// maybeWrapPretty wraps w in a pretty-printer if stdout is a TTY.
func maybeWrapPretty(w io.Writer) io.Writer {
	if !isTTY {
		return w
	}
	return &prettyJSONWriter{w: w}
}

// levelRoutingWriter inspects each record's "level" field.
type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var rec struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &rec); err != nil {
		return lw.stderr.Write(p)
	}

	switch rec.Level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default:
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err
}
