// Package server exposes the pipeline over HTTP. It converts incoming
// requests, writes envelope responses, serves the metrics endpoint, and owns
// graceful shutdown of the adapters behind the registries.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avenir-labs/gantry/internal/adapter"
	"github.com/avenir-labs/gantry/internal/cache"
	"github.com/avenir-labs/gantry/internal/config"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/pipeline"
	"github.com/avenir-labs/gantry/internal/ratelimit"
)

// Server is the HTTP front for one pipeline. The pipeline pointer is
// swappable so configuration reloads replace it without dropping requests.
type Server struct {
	cfg      config.ServerConfig
	pipeline atomic.Pointer[pipeline.Pipeline]
	logger   observability.Logger

	caches   *adapter.Registry[cache.Adapter]
	limiters *adapter.Registry[ratelimit.Adapter]

	httpServer *http.Server
	running    atomic.Bool
}

// Option is a functional option for the server.
type Option func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCacheAdapters hands the cache registry to the server so Stop can
// close every adapter.
func WithCacheAdapters(reg *adapter.Registry[cache.Adapter]) Option {
	return func(s *Server) {
		s.caches = reg
	}
}

// WithRateLimitAdapters hands the rate limit registry to the server so Stop
// can close every adapter.
func WithRateLimitAdapters(reg *adapter.Registry[ratelimit.Adapter]) Option {
	return func(s *Server) {
		s.limiters = reg
	}
}

// New creates a server for the given pipeline.
func New(cfg config.ServerConfig, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	s.pipeline.Store(p)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Swap replaces the pipeline. In-flight requests finish on the old one.
func (s *Server) Swap(p *pipeline.Pipeline) {
	s.pipeline.Store(p)
}

// Handler returns the root http.Handler: the metrics endpoint plus the
// pipeline for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.MetricsPath != "" {
		mux.Handle(s.cfg.MetricsPath, promhttp.Handler())
	}
	mux.HandleFunc("/", s.handleRequest)
	return mux
}

// Start binds the address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.cfg.ReadTimeout.Duration(),
		WriteTimeout:      s.cfg.WriteTimeout.Duration(),
		IdleTimeout:       s.cfg.IdleTimeout.Duration(),
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.running.Store(true)

	s.logger.Info("server started",
		observability.String("address", s.cfg.Addr),
		observability.String("environment", s.cfg.Environment))

	go s.serve(ln)

	return nil
}

func (s *Server) serve(ln net.Listener) {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("server error", observability.Error(err))
	}
	s.running.Store(false)
}

// Stop drains in-flight requests and closes every registered adapter.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		s.closeAdapters()
		return nil
	}

	s.logger.Info("stopping server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("failed to close server: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	s.running.Store(false)
	s.closeAdapters()

	s.logger.Info("server stopped")

	return nil
}

// closeAdapters closes every cache and rate limit adapter, stopping their
// sweep goroutines and connections.
func (s *Server) closeAdapters() {
	if s.caches != nil {
		s.caches.Range(func(name string, entry cache.Adapter) {
			if err := entry.Close(); err != nil {
				s.logger.Warn("cache adapter close failed",
					observability.String("name", name),
					observability.Error(err))
			}
		})
	}
	if s.limiters != nil {
		s.limiters.Range(func(name string, entry ratelimit.Adapter) {
			if err := entry.Close(); err != nil {
				s.logger.Warn("rate limit adapter close failed",
					observability.String("name", name),
					observability.Error(err))
			}
		})
	}
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
