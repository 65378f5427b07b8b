// Package logctx carries the process logger and per-request or per-job
// correlation fields through a context.Context.
package logctx

import (
	"context"
	"io"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	scopeKey  contextKey = "scope"
)

// scope holds the correlation fields ContextHandler stamps onto every record.
// Only the fields that were set are emitted.
type scope struct {
	owner     string
	jobID     string
	requestID string
}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithJob tags ctx with the job it belongs to. Records logged through a
// ContextHandler with this ctx, including those emitted inside the engines,
// carry owner and job_id.
func WithJob(ctx context.Context, owner, jobID string) context.Context {
	s := scopeOf(ctx)
	s.owner, s.jobID = owner, jobID

	return context.WithValue(ctx, scopeKey, s)
}

// WithRequestID tags ctx with the id of the status-server request it serves.
func WithRequestID(ctx context.Context, id string) context.Context {
	s := scopeOf(ctx)
	s.requestID = id

	return context.WithValue(ctx, scopeKey, s)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	return scopeOf(ctx).requestID
}

func scopeOf(ctx context.Context) scope {
	if s, ok := ctx.Value(scopeKey).(scope); ok {
		return s
	}

	return scope{}
}

// Discard returns a context carrying a logger that drops every record.
func Discard(ctx context.Context) context.Context {
	return WithLogger(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
