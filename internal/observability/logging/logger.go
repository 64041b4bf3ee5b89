// Package logging provides the process JSON logger and run-scoped context fields.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type ctxKey string

const ctxKeyRun ctxKey = "run"

type runFields struct {
	sessionID string
	messageID string
	role      string
}

var base atomic.Pointer[slog.Logger]

func init() {
	base.Store(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

// Configure replaces the process logger with a JSON handler writing to w at the given level.
func Configure(w io.Writer, level string) {
	if w == nil {
		w = os.Stdout
	}
	base.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

// ParseLevel maps a level name onto slog levels; unknown values resolve to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the process logger.
func Logger() *slog.Logger {
	return base.Load()
}

// New returns the process logger tagged with a component name.
func New(component string) *slog.Logger {
	return base.Load().With("component", component)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// WithRun stores run correlation in the context.
func WithRun(ctx context.Context, sessionID, messageID, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRun, runFields{sessionID: sessionID, messageID: messageID, role: role})
}

// FromContext enriches logger with run correlation when present.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = base.Load()
	}
	fields, ok := ctx.Value(ctxKeyRun).(runFields)
	if !ok {
		return logger
	}
	return logger.With("session_id", fields.sessionID, "message_id", fields.messageID, "role", fields.role)
}
