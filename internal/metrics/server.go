// Package metrics serves the Prometheus registry on a dedicated
// listener for head-less deployments that run the council without the
// HTTP API. When the API is enabled it already exposes /metrics and
// this server is optional.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics and /health on its own port.
type Server struct {
	addr   string
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds a server listening on the given port.
func NewServer(port int) *Server {
	s := &Server{
		addr: fmt.Sprintf(":%d", port),
		log:  log.With().Str("component", "metrics").Logger(),
	}
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	return mux
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("Starting metrics server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop drains in-flight scrapes until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping metrics server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
