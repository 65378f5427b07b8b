package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low-cardinality: operation names, engine names and
// status values only. Owners, job ids, magnet links and file names belong in
// logs, which carry the trace_id for correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// Outcome labels for engine and gateway calls. A call cut short by a job
// cancellation or shutdown is not an engine fault and is counted apart.
const (
	statusSuccess   = "success"
	statusError     = "error"
	statusCancelled = "cancelled"
	statusTimeout   = "timeout"
)

// InstrumentOperation runs fn inside a span named "<component>.<operation>"
// and returns fn's error together with its status label.
func (t *Telemetry) InstrumentOperation(ctx context.Context, component, operation string, fn InstrumentedFunc) (string, error) {
	if t == nil || t.tracer == nil {
		err := fn(ctx)

		return statusOf(err), err
	}

	start := time.Now()

	ctx, span := t.tracer.Start(ctx, component+"."+operation)
	defer span.End()

	err := fn(ctx)
	status := statusOf(err)

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	switch status {
	case statusError, statusTimeout:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case statusCancelled:
		span.AddEvent("cancelled")
	}

	return status, err
}

// InstrumentEngineOperation instruments download engine calls.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, engine, operation string, fn InstrumentedFunc) error {
	status, err := t.InstrumentOperation(ctx, "engine", operation, fn)

	t.RecordEngineOperation(ctx, engine, operation, status)

	return err
}

// InstrumentGatewayOperation instruments messaging gateway calls.
func (t *Telemetry) InstrumentGatewayOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	status, err := t.InstrumentOperation(ctx, "gateway", operation, fn)

	t.RecordGatewayOperation(ctx, operation, status)

	return err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, context.Canceled):
		return statusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return statusTimeout
	default:
		return statusError
	}
}
