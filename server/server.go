// Package server exposes the advisory pipeline over HTTP: a chat
// endpoint that runs one coordinator turn, session inspection and
// teardown, a weather probe, and the usual health/metrics surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
	"github.com/agrosense/agrosense/pipeline"
)

// Runner is the slice of the coordinator the server consumes.
type Runner interface {
	Run(ctx context.Context, sessionID, query string) (*pipeline.Turn, error)
}

// RegionalFetcher mirrors the external-data step for the weather probe.
type RegionalFetcher interface {
	Fetch(ctx context.Context, region string, asset mcp.AssetType) (*mcp.RegionalData, error)
}

// Server is the HTTP API over the pipeline.
type Server struct {
	coordinator Runner
	store       mcp.Store
	regional    RegionalFetcher
	registry    *prometheus.Registry
	models      *model.Registry
	logger      *slog.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsRegistry mounts /metrics over the given registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithModelRegistry exposes backend chain status on /api/v1/backends.
func WithModelRegistry(models *model.Registry) Option {
	return func(s *Server) {
		s.models = models
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the API server over the coordinator and store.
func New(coordinator Runner, store mcp.Store, regional RegionalFetcher, opts ...Option) *Server {
	s := &Server{
		coordinator: coordinator,
		store:       store,
		regional:    regional,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/chat", s.handleChat)
		api.Get("/status/{sessionID}", s.handleStatus)
		api.Delete("/session/{sessionID}", s.handleDestroySession)
		api.Get("/weather", s.handleWeather)
		if s.models != nil {
			api.Get("/backends", s.handleBackends)
		}
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
