package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/italolelis/magnet_relay/internal/logctx"
)

// recorder captures what a handler wrote so the middlewares below can report it.
type recorder struct {
	http.ResponseWriter

	status int
	size   int64
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w}
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status != 0 {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)

	return n, err
}

// Status reports 200 for handlers that never wrote anything.
func (rw *recorder) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}

	return rw.status
}

// HTTPLogging logs every request, at ERROR for 5xx, WARN for 4xx and DEBUG
// otherwise. Health and scrape traffic stays out of INFO on purpose.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newRecorder(w)

		next.ServeHTTP(rec, r)

		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		attrs := []any{
			"method", r.Method,
			"route", routeOf(r),
			"status", rec.Status(),
			"bytes", rec.size,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch status := rec.Status(); {
		case status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "status request", attrs...)
		case status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "status request", attrs...)
		default:
			logger.DebugContext(ctx, "status request", attrs...)
		}
	})
}

// HTTPMiddleware records RED metrics and a span for every request served by
// the status server.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates a new HTTP middleware for telemetry.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{telemetry: telemetry}
}

// Middleware returns the HTTP middleware function.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if m.telemetry == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.telemetry.IncrementHTTPInFlight(r.Context())
		defer m.telemetry.DecrementHTTPInFlight(r.Context())

		ctx, span := m.telemetry.Tracer().Start(r.Context(), "status_request")
		defer span.End()

		rec := newRecorder(w)

		next.ServeHTTP(rec, r.WithContext(ctx))

		// The pattern is only known once chi has routed the request.
		route := routeOf(r)
		status := rec.Status()

		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.response_size", rec.size),
		)

		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		}

		m.telemetry.RecordHTTPRequest(ctx, r.Method, route, statusClass(status), time.Since(start))
	})
}

// routeOf returns the chi route pattern so /jobs/{owner}/cancel is one
// series instead of one per owner.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}

	return "unmatched"
}

func statusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}

	return strconv.Itoa(code/100) + "xx"
}
