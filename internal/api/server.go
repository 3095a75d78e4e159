// Package api exposes the analysis orchestration over HTTP: intake,
// progress, results, a websocket progress stream, and registry and
// workflow views, all wrapped in one response envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/analyzer"
	"github.com/tradecouncil/council/internal/registry"
	"github.com/tradecouncil/council/internal/workflow"
)

// Config wires the HTTP server. Analyzer is required; Registry and
// Workflows back the read-only views and may be nil.
type Config struct {
	Host      string
	Port      int
	Analyzer  *analyzer.Analyzer
	Registry  *registry.Registry
	Workflows *workflow.Library
}

// Server is the REST and websocket front of the council
type Server struct {
	engine    *gin.Engine
	analyzer  *analyzer.Analyzer
	registry  *registry.Registry
	workflows *workflow.Library
	addr      string
	server    *http.Server
	log       zerolog.Logger
}

// NewServer builds the router with the full middleware chain and routes
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := log.With().Str("component", "api").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(requestMetrics())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		engine:    engine,
		analyzer:  cfg.Analyzer,
		registry:  cfg.Registry,
		workflows: cfg.Workflows,
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:       logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop or a listener error
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
