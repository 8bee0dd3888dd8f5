// Package logging builds the structured loggers shared by the viewer and the agent host.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with the component name.
// A nil parent yields a discarding logger so components can be built without wiring.
func Component(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = NopLogger()
	}
	return parent.With(KeyComponent, name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys used across packages.
const (
	KeySessionID  = "session_id"
	KeyAgentID    = "agent_id"
	KeySenderID   = "sender_id"
	KeyTransferID = "transfer_id"
	KeyLabel      = "label"
	KeyState      = "state"
	KeyType       = "type"
	KeyPath       = "path"
	KeySize       = "size"
	KeyURL        = "url"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyAttempt    = "attempt"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
