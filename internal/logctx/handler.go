package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler decorates records with the correlation fields found in the
// record's context: the job scope set by WithJob, the request id set by
// WithRequestID and the active OpenTelemetry span.
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next. It panics if next is nil.
func NewContextHandler(next slog.Handler) *ContextHandler {
	if next == nil {
		panic("logctx: nil handler")
	}

	return &ContextHandler{next: next}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	s := scopeOf(ctx)

	if s.owner != "" {
		r.AddAttrs(slog.String("owner", s.owner))
	}

	if s.jobID != "" {
		r.AddAttrs(slog.String("job_id", s.jobID))
	}

	if s.requestID != "" {
		r.AddAttrs(slog.String("request_id", s.requestID))
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.next.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}
