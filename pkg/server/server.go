// Package server exposes the broker over HTTP: the JSON-RPC endpoint
// with SSE streaming, the agent card, the REST adapter, and the fleet
// admin surface devices register through.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetlink/fleetlink/pkg/broker"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/manifest"
	"github.com/fleetlink/fleetlink/pkg/observability"
	"github.com/fleetlink/fleetlink/pkg/stream"
	"github.com/fleetlink/fleetlink/pkg/task"
)

// Server is the HTTP front of the broker.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *broker.Dispatcher
	tasks      *task.Manager
	registry   *device.Registry
	streams    *stream.Store
	manifest   *manifest.Builder
	metrics    observability.Metrics

	pushEnabled bool
	httpServer  *http.Server
}

type Option func(*Server)

// WithMetrics wires request counters.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPushEnabled toggles the push notification config methods.
func WithPushEnabled(enabled bool) Option {
	return func(s *Server) { s.pushEnabled = enabled }
}

// New builds the server and its route table.
func New(cfg config.ServerConfig, dispatcher *broker.Dispatcher, tasks *task.Manager,
	registry *device.Registry, streams *stream.Store, builder *manifest.Builder, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		dispatcher:  dispatcher,
		tasks:       tasks,
		registry:    registry,
		streams:     streams,
		manifest:    builder,
		metrics:     (*observability.PrometheusMetrics)(nil),
		pushEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Post("/", s.handleJSONRPC)
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Get("/healthz", s.handleHealth)
	if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.mountAdmin(r)
	if cfg.EnableREST {
		s.mountREST(r)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	slog.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manifest.Card())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			origin = s.cfg.CORSOrigins[0]
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == r.Header.Get("Origin") {
					origin = allowed
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request at debug with its duration. SSE
// responses are excluded from the wrap so http.Flusher keeps working;
// chi's WrapResponseWriter preserves Flush.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
