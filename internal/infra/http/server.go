// Package http exposes the operational surface of the storage layer: health,
// metrics, cache statistics, and administrative invalidation.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketprimer/cachelayer/internal/config"
	"github.com/marketprimer/cachelayer/internal/infra/http/middleware"
	redisinfra "github.com/marketprimer/cachelayer/internal/infra/redis"
	"github.com/marketprimer/cachelayer/pkg/logger"
)

// healthPingTimeout bounds the backend ping inside the health check.
const healthPingTimeout = 5 * time.Second

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	guard      *middleware.LocalGuard

	cmd      redisinfra.Commander
	cache    *redisinfra.Cache
	sessions *redisinfra.SessionManager
}

// NewServer wires the ops routes over the given services.
func NewServer(cfg *config.Config, cmd redisinfra.Commander, cache *redisinfra.Cache, sessions *redisinfra.SessionManager, limiter *redisinfra.RateLimiter, log *logger.Logger) *Server {
	s := &Server{
		logger:   log,
		cmd:      cmd,
		cache:    cache,
		sessions: sessions,
		guard:    middleware.NewLocalGuard(50, 100, log),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RateLimit(s.guard, limiter, log))

	r.Get("/healthz", s.handleHealth)
	if cfg.Ops.MonitoringEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/stats", s.handleStats)
	r.Post("/invalidate", s.handleInvalidate)

	s.httpServer = &http.Server{
		Addr:         cfg.Ops.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	return s
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the local guard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops server")
	s.guard.Stop()
	return s.httpServer.Shutdown(ctx)
}
