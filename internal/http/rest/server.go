// Package rest serves the operator HTTP surface: health, metrics and the
// live job listing.
package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/magnet_relay/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServerConfig struct {
	BindAddress  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewRouter wires the middleware chain and every route.
func NewRouter(tel *telemetry.Telemetry, jobs *JobsHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", jobs.Routes())

	return otelhttp.NewHandler(r, "status_server")
}

// NewServer builds the http.Server; requests inherit ctx so they carry the
// application logger.
func NewServer(ctx context.Context, cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.BindAddress,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Handler:      handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
