package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/auxothq/simrouter/internal/metrics"
	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/auth"
)

// Server is the top-level router server that owns all subsystems.
type Server struct {
	config     *Config
	httpServer *http.Server
	orch       *Orchestrator
	repo       store.Repository
	logger     *slog.Logger
}

// NewServer opens the configured store and wires the orchestrator, both
// websocket channels and the HTTP endpoints.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := store.Open(ctx, cfg.OpenConfig())
	if err != nil {
		return nil, err
	}
	traces, err := store.NewTraceFiles(cfg.TraceDir)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return newServer(cfg, repo, traces, prometheus.NewRegistry(), logger), nil
}

func newServer(cfg *Config, repo store.Repository, traces *store.TraceFiles, reg *prometheus.Registry, logger *slog.Logger) *Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	retrying := store.NewRetrying(repo, cfg.RetryConfig(), m, logger.With("component", "store"))
	orch := NewOrchestrator(retrying, traces, m, logger.With("component", "orchestrator"))
	verifier := auth.NewVerifier(cfg.WorkerKeyHash, 5*time.Minute)

	workers := NewWorkerHandler(orch, verifier, cfg, logger.With("component", "worker_ws"))
	clients := NewClientHandler(orch, logger.With("component", "client_ws"))

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)
	r.Handle("/ws", clients)
	r.Handle("/sim", workers)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(orch.Snapshot()); err != nil {
			logger.Error("writing status", "error", err)
		}
	})
	r.Handle("/metrics", m.Handler())

	if !verifier.Enabled() {
		logger.Warn("SIM_WORKER_KEY_HASH not set, accepting unauthenticated workers")
	}

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		orch:   orch,
		repo:   retrying,
		logger: logger,
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Orchestrator returns the scheduler behind the server.
func (s *Server) Orchestrator() *Orchestrator {
	return s.orch
}

// Start serves HTTP until ctx is cancelled or the listener fails, then
// shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("simrouter starting",
		"addr", s.httpServer.Addr,
		"store", s.config.Store,
		"embedded_redis", s.config.EmbeddedRedis,
		"trace_dir", s.config.TraceDir,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.Shutdown()
}

// Shutdown stops accepting connections, waits up to 10s for handlers and
// closes the store.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}
	if err := s.repo.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
