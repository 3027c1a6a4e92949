// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the layer graph to presentation clients over HTTP.
//
// # Endpoints
//
//	GET    /health                      - Liveness and version
//	GET    /metrics                     - Prometheus metrics
//	GET    /v1/files                    - Loaded files and their layers
//	POST   /v1/files                    - Load a feature collection file
//	DELETE /v1/files?path=              - Unload a file
//	GET    /v1/layers                   - Layers with their input channels
//	PUT    /v1/layers/:name/active      - Activate or deactivate a layer
//	GET    /v1/reconstruction           - Summary of the latest reconstruction
//	POST   /v1/reconstruction           - Reconstruct at the current time
//	PUT    /v1/reconstruction/time      - Set the reconstruction time
//	PUT    /v1/reconstruction/anchor    - Set the anchor plate
//	GET    /v1/snapshots                - Stored tree snapshots
//	POST   /v1/snapshots                - Snapshot the default tree
//	GET    /v1/snapshots/:id/diff       - Plates changed since a snapshot
//	GET    /v1/events                   - WebSocket stream of graph events
//
// Every request passes through otelgin tracing, a request ID and a token
// bucket rate limiter shared by all clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
	"github.com/AleutianAI/platerecon/services/recon/telemetry"
)

const (
	serviceName     = "platerecon"
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// RequestsPerSecond and Burst size the shared token bucket. A
	// non-positive rate disables limiting.
	RequestsPerSecond float64
	Burst             int

	// Snapshots enables the /v1/snapshots endpoints. May be nil.
	Snapshots *badger.TreeStore

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the HTTP front end of an app.State.
//
// Thread Safety: Safe for concurrent use. All graph access goes through
// the State's lock.
type Server struct {
	state     *app.State
	snapshots *badger.TreeStore
	logger    *slog.Logger
	limiter   *rate.Limiter
	router    *gin.Engine
}

// NewServer builds the router for state.
func NewServer(state *app.State, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		state:     state,
		snapshots: opts.Snapshots,
		logger:    opts.Logger,
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(opts.Burst, 1))
	}
	s.initRouter()
	return s
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))
	s.router.Use(s.requestID())
	s.router.Use(s.rateLimit())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/files", s.handleListFiles)
		v1.POST("/files", s.handleLoadFile)
		v1.DELETE("/files", s.handleUnloadFile)

		v1.GET("/layers", s.handleListLayers)
		v1.PUT("/layers/:name/active", s.handleActivateLayer)

		v1.GET("/reconstruction", s.handleGetReconstruction)
		v1.POST("/reconstruction", s.handleReconstruct)
		v1.PUT("/reconstruction/time", s.handleSetTime)
		v1.PUT("/reconstruction/anchor", s.handleSetAnchor)

		v1.GET("/snapshots", s.handleListSnapshots)
		v1.POST("/snapshots", s.handleCreateSnapshot)
		v1.GET("/snapshots/:id/diff", s.handleDiffSnapshot)

		v1.GET("/events", s.handleEvents)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

const requestIDKey = "platerecon_request_id"

// requestID echoes X-Request-ID, generating one when absent.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.requestLogger(c).Warn("rate limited", slog.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "too many requests",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger(c *gin.Context) *slog.Logger {
	logger := telemetry.LoggerWithTrace(c.Request.Context(), s.logger)
	if id, ok := c.Get(requestIDKey); ok {
		logger = logger.With(slog.Any("request_id", id))
	}
	return logger
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}
