// Package control is the HTTP surface of the daemon: session
// start/stop/status, health probes and Prometheus metrics.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/C6H12O6Mix/yolo/internal/pipeline"
)

// Server serves the control API for one coordinator.
type Server struct {
	coord *pipeline.Coordinator
	log   *slog.Logger
	http  *http.Server
}

// New builds the control server. reg may be nil to skip the /metrics
// endpoint.
func New(addr string, coord *pipeline.Coordinator, reg *prometheus.Registry, log *slog.Logger) *Server {
	s := &Server{
		coord: coord,
		log:   log.With("component", "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.withMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops. A closed server returns
// nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("control server listening", "addr", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
