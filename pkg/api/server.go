// Package api is the internal HTTP surface of the orchestrator: response
// intake from the main backend, cancellation endpoints, and health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/queue"
)

// Server hosts the internal API. All mutating endpoints are guarded by the
// service token middleware; health stays open for the orchestrator's probes.
type Server struct {
	settings *config.Settings
	queue    *queue.Queue
	pool     *queue.WorkerPool
	cache    *cache.Service
	embeds   *embeds.Service
	logger   *slog.Logger

	http     *http.Server
	warnOnce sync.Once
}

// NewServer creates the internal API server. The worker pool may be nil in
// tests; health then reports on Redis reachability alone.
func NewServer(settings *config.Settings, q *queue.Queue, pool *queue.WorkerPool, cacheSvc *cache.Service, embedsSvc *embeds.Service, logger *slog.Logger) *Server {
	return &Server{
		settings: settings,
		queue:    q,
		pool:     pool,
		cache:    cacheSvc,
		embeds:   embedsSvc,
		logger:   logger.With("component", "api"),
	}
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	v1 := r.Group("/internal/v1")
	v1.GET("/health", s.healthHandler)

	guarded := v1.Group("", s.requireServiceToken())
	guarded.POST("/responses", s.submitResponseHandler)
	guarded.POST("/tasks/:taskID/revoke", s.revokeTaskHandler)
	guarded.POST("/skill-tasks/:skillTaskID/cancel", s.cancelSkillTaskHandler)
	guarded.POST("/chats/:chatID/focus/pending/cancel", s.cancelPendingFocusHandler)

	return r
}

// Start runs the HTTP server on addr and blocks until shutdown or failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Internal API listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
