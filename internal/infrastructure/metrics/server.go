// Package metrics serves the Prometheus scrape endpoint backed by the OTel
// prometheus exporter's default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"grid_trader/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 5 * time.Second

// Server exposes /metrics on its own port, separate from the operator
// surface so scrapes survive an admin lockdown.
type Server struct {
	port   int
	logger core.ILogger
}

// NewServer creates a metrics server on the given port.
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Run serves until the context is cancelled, then drains in-flight scrapes.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving Prometheus metrics", "port", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.logger.Info("Stopping metrics server")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
