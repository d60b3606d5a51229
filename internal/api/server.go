package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pmgate/internal/auth"
	"github.com/mattjoyce/pmgate/internal/events"
	"github.com/mattjoyce/pmgate/internal/history"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/pmgate/internal/api ProcessController,RunLister

// ProcessController is the supervisor as seen by the admin API.
type ProcessController interface {
	Snapshot(ctx context.Context) (supervisor.Snapshot, error)
	Start(ctx context.Context, trigger string) error
	Stop(ctx context.Context) error
}

// RunLister reads recorded child generations.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
	Get(ctx context.Context, generation string) (*history.Run, error)
}

// EventSource feeds the SSE endpoint.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen      string
	ServiceName string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// RoutePrefix is where the dispatcher is mounted.
	RoutePrefix string
	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

// Deps are the components the server fronts. Runs and Metrics are optional.
type Deps struct {
	Process    ProcessController
	Runs       RunLister
	Events     EventSource
	Dispatcher http.Handler
	Metrics    http.Handler
}

// Server represents the HTTP server: the proxied child plus the admin API.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: queued requests and /events are long-lived.
		IdleTimeout: 60 * time.Second,
	}
	// Event streams never go idle on their own.
	s.server.RegisterOnShutdown(s.closeStreams)

	s.logger.Info("API server starting", "listen", s.config.Listen, "route_prefix", s.config.RoutePrefix)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// The supervised child.
	if s.deps.Dispatcher != nil {
		if prefix := s.config.RoutePrefix; prefix != "" {
			r.Handle(prefix, s.deps.Dispatcher)
			r.Handle(prefix+"/*", s.deps.Dispatcher)
		} else {
			r.Handle("/*", s.deps.Dispatcher)
		}
	}

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeProcessRO, auth.ScopeProcessRW)).Get("/api/process", s.handleGetProcess)
		r.With(s.requireScopes(auth.ScopeProcessRW)).Post("/api/process/restart", s.handleRestart)
		r.With(s.requireScopes(auth.ScopeProcessRW)).Post("/api/process/stop", s.handleStop)
		r.With(s.requireScopes(auth.ScopeProcessRO, auth.ScopeProcessRW)).Get("/api/runs", s.handleRuns)
		r.With(s.requireScopes(auth.ScopeProcessRO, auth.ScopeProcessRW)).Get("/api/runs/{generation}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeEventsRO, auth.ScopeEventsRW)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
