package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	jobsTotal              metric.Int64Counter
	jobsActive             metric.Int64UpDownCounter
	jobDuration            metric.Float64Histogram
	jobsRejected           metric.Int64Counter
	progressUpdates        metric.Int64Counter
	engineOperationsTotal  metric.Int64Counter
	engineErrors           metric.Int64Counter
	gatewayOperationsTotal metric.Int64Counter
	gatewayErrors          metric.Int64Counter
	uploadsTotal           metric.Int64Counter
	uploadedBytes          metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64ObservableGauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP/gRPC collector.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled instance is safe to use;
// every recording method becomes a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are never exported; they only give log lines a trace_id/span_id to correlate on.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t, err := newTelemetry(cfg.ServiceName, meterProvider, tracerProvider)
	if err != nil {
		return nil, err
	}

	t.exporter = exporter

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

func newTelemetry(name string, mp *sdkmetric.MeterProvider, tp *sdktrace.TracerProvider) (*Telemetry, error) {
	t := &Telemetry{
		meterProvider:  mp,
		tracerProvider: tp,
		tracer:         tp.Tracer(name),
		meter:          mp.Meter(name),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("magnet_relay")
	}

	return t.tracer
}

// RecordHTTPRequest records a status-server request. route must be the
// router pattern, never the raw path.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, statusClass string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordJob records the terminal outcome of a job ("uploaded", "failed", "cancelled").
func (t *Telemetry) RecordJob(ctx context.Context, outcome string, duration time.Duration) {
	if t == nil || t.jobsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	t.jobsTotal.Add(ctx, 1, attrs)
	t.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRejectedJob records a request refused before a job was created.
func (t *Telemetry) RecordRejectedJob(ctx context.Context, reason string) {
	if t != nil && t.jobsRejected != nil {
		t.jobsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// IncrementActiveJobs increments the active jobs counter.
func (t *Telemetry) IncrementActiveJobs(ctx context.Context) {
	if t != nil && t.jobsActive != nil {
		t.jobsActive.Add(ctx, 1)
	}
}

// DecrementActiveJobs decrements the active jobs counter.
func (t *Telemetry) DecrementActiveJobs(ctx context.Context) {
	if t != nil && t.jobsActive != nil {
		t.jobsActive.Add(ctx, -1)
	}
}

// RecordProgressUpdate counts a user-visible progress notification.
func (t *Telemetry) RecordProgressUpdate(ctx context.Context, terminal bool) {
	if t != nil && t.progressUpdates != nil {
		t.progressUpdates.Add(ctx, 1, metric.WithAttributes(attribute.Bool("terminal", terminal)))
	}
}

// RecordEngineOperation records download engine operation metrics.
func (t *Telemetry) RecordEngineOperation(ctx context.Context, engine, operation, status string) {
	if t == nil || t.engineOperationsTotal == nil {
		return
	}

	t.engineOperationsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == statusError {
		t.engineErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("engine", engine),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordGatewayOperation records messaging gateway operation metrics.
func (t *Telemetry) RecordGatewayOperation(ctx context.Context, operation, status string) {
	if t == nil || t.gatewayOperationsTotal == nil {
		return
	}

	t.gatewayOperationsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == statusError {
		t.gatewayErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordUpload records the outcome of a single file upload.
func (t *Telemetry) RecordUpload(ctx context.Context, outcome string, size int64) {
	if t == nil || t.uploadsTotal == nil {
		return
	}

	t.uploadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	if outcome == "uploaded" {
		t.uploadedBytes.Add(ctx, size)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter and tracer providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.jobsTotal, err = t.meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of finished download jobs by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_total counter: %w", err)
	}

	t.jobsActive, err = t.meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of live download jobs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_active counter: %w", err)
	}

	t.jobDuration, err = t.meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to cleanup in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job_duration histogram: %w", err)
	}

	t.jobsRejected, err = t.meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Total number of refused job requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_rejected_total counter: %w", err)
	}

	t.progressUpdates, err = t.meter.Int64Counter(
		"progress_updates_total",
		metric.WithDescription("Total number of progress notifications emitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create progress_updates_total counter: %w", err)
	}

	t.engineOperationsTotal, err = t.meter.Int64Counter(
		"engine_operations_total",
		metric.WithDescription("Total number of download engine operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine_operations_total counter: %w", err)
	}

	t.engineErrors, err = t.meter.Int64Counter(
		"engine_errors_total",
		metric.WithDescription("Total number of download engine errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine_errors_total counter: %w", err)
	}

	t.gatewayOperationsTotal, err = t.meter.Int64Counter(
		"gateway_operations_total",
		metric.WithDescription("Total number of messaging gateway operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create gateway_operations_total counter: %w", err)
	}

	t.gatewayErrors, err = t.meter.Int64Counter(
		"gateway_errors_total",
		metric.WithDescription("Total number of messaging gateway errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create gateway_errors_total counter: %w", err)
	}

	t.uploadsTotal, err = t.meter.Int64Counter(
		"uploads_total",
		metric.WithDescription("Total number of files processed by the upload pipeline by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uploads_total counter: %w", err)
	}

	t.uploadedBytes, err = t.meter.Int64Counter(
		"uploaded_bytes_total",
		metric.WithDescription("Total number of bytes delivered to chat"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uploaded_bytes_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	startTime := time.Now()

	t.systemUptime, err = t.meter.Float64ObservableGauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(startTime).Seconds())

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}
