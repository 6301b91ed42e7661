package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	maxBodyBytes int64
	readyTimeout time.Duration

	// Services
	processor driving.BatchProcessor
	intake    driving.WorkItemIntake
	queue     driven.WorkQueue
	auth      *AuthMiddleware
	metrics   http.Handler

	// Infrastructure checks run by /ready, keyed by name
	checks map[string]Pinger
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	// MaxBodyBytes caps request bodies (default 1 MiB)
	MaxBodyBytes int64

	// InvokeTimeout is the handler write timeout; synchronous batches run
	// the whole pipeline inside the request (default 15m)
	InvokeTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          8080,
		Version:       "dev",
		MaxBodyBytes:  1 << 20,
		InvokeTimeout: 15 * time.Minute,
	}
}

// Deps holds the services the server exposes. Nil services disable
// their routes.
type Deps struct {
	Processor driving.BatchProcessor
	Intake    driving.WorkItemIntake
	Queue     driven.WorkQueue
	Tokens    driven.TokenService
	Checks    map[string]Pinger

	// Metrics serves /metrics (default promhttp.Handler())
	Metrics http.Handler

	Logger *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	s := &Server{
		router:       http.NewServeMux(),
		version:      cfg.Version,
		logger:       logger,
		maxBodyBytes: cfg.MaxBodyBytes,
		readyTimeout: 5 * time.Second,
		processor:    deps.Processor,
		intake:       deps.Intake,
		queue:        deps.Queue,
		auth:         NewAuthMiddleware(deps.Tokens),
		metrics:      metrics,
		checks:       deps.Checks,
	}

	s.setupRoutes()

	handler := NewRecoveryMiddleware(logger).Handler(
		NewLoggingMiddleware(logger).Handler(s.router))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.InvokeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	s.router.Handle("GET /metrics", s.metrics)

	if s.processor != nil {
		s.router.Handle("POST /api/v1/batches",
			s.auth.RequireScope(domain.ScopeInvoke, http.HandlerFunc(s.handleProcessBatch)))
	}
	if s.intake != nil {
		s.router.Handle("POST /api/v1/work-items",
			s.auth.RequireScope(domain.ScopeSubmit, http.HandlerFunc(s.handleSubmitWorkItems)))
	}
	if s.queue != nil {
		s.router.Handle("GET /api/v1/queue/stats",
			s.auth.RequireScope(domain.ScopeSubmit, http.HandlerFunc(s.handleQueueStats)))
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.httpServer.Addr, "auth", s.auth.Enabled())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
