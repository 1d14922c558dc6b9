// Package logger wraps log/slog with the evaluator's structured event
// shape: every significant lifecycle transition (evaluation start/done,
// execution dispatch, file demand, store corruption) is logged as one
// JSON event keyed by evaluation ID and component. It writes to a
// caller-supplied io.Writer rather than a hardcoded log directory, since
// this core is a library first and a cmd/ second.
package logger

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// Component names the part of the system emitting a log event.
type Component string

const (
	ComponentCoordinator Component = "coordinator"
	ComponentClient      Component = "client"
	ComponentWorker      Component = "worker"
	ComponentStore       Component = "store"
)

// Logger is a thin wrapper around *slog.Logger that stamps every record
// with its component and, once WithEvaluation has been applied, an
// evaluation ID: the two dimensions log lines in this system are filtered
// by.
type Logger struct {
	base *slog.Logger
}

// New builds a Logger writing newline-delimited JSON to w.
func New(w io.Writer, component Component) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{base: slog.New(handler).With(slog.String("component", string(component)))}
}

// NewEvaluationID draws a fresh random identifier to key a run's log
// lines and store/transport spans by.
func NewEvaluationID() string {
	return uuid.New().String()
}

// WithEvaluation returns a Logger scoped to one evaluation ID, so every
// subsequent call site doesn't have to thread the ID through manually.
func (l *Logger) WithEvaluation(evaluationID string) *Logger {
	return &Logger{base: l.base.With(slog.String("evaluation_id", evaluationID))}
}

// Event logs one structured lifecycle event with arbitrary key/value
// attributes, e.g. l.Event(ctx, "execution_dispatched", "execution", id, "worker", addr).
func (l *Logger) Event(ctx context.Context, event string, kvs ...any) {
	l.base.InfoContext(ctx, event, kvs...)
}

// Warn logs a recoverable anomaly: a retried transport error, a store
// cache miss that required a demand-fetch, and similar.
func (l *Logger) Warn(ctx context.Context, event string, kvs ...any) {
	l.base.WarnContext(ctx, event, kvs...)
}

// Error logs a terminal failure: validation rejection, store corruption,
// an execution's WorkerResult reporting a non-success Status.
func (l *Logger) Error(ctx context.Context, event string, err error, kvs ...any) {
	l.base.ErrorContext(ctx, event, append([]any{slog.Any("error", err)}, kvs...)...)
}

// Slog exposes the underlying *slog.Logger for call sites that want the
// full slog API (e.g. to pass as a dependency to a third-party library
// that accepts one).
func (l *Logger) Slog() *slog.Logger {
	return l.base
}
