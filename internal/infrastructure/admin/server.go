// Package admin exposes the operator surface of a running grid instance:
// the read-only status report and the stop/teardown/reconcile commands.
// Mutations go through the engine's command queue, never into state
// directly.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/engine"
	"grid_trader/internal/infrastructure/health"
	apperrors "grid_trader/pkg/errors"
)

const (
	shutdownGrace  = 5 * time.Second
	commandTimeout = 30 * time.Second
)

// Server is the operator HTTP endpoint for one engine instance.
type Server struct {
	port   int
	cfg    *config.Config
	eng    *engine.Engine
	health *health.Manager
	logger core.ILogger
}

// NewServer creates the admin server. The health manager may be nil, which
// disables /healthz component detail but keeps the endpoint alive.
func NewServer(port int, cfg *config.Config, eng *engine.Engine, hm *health.Manager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		cfg:    cfg,
		eng:    eng,
		health: hm,
		logger: logger.WithField("component", "admin_server"),
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/teardown", s.handleTeardown)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving operator endpoint", "port", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.logger.Info("Stopping admin server")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	report := s.eng.Status()
	if report == nil {
		writeError(w, http.StatusServiceUnavailable, "engine has not started")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleConfig dumps the effective configuration as YAML. Secret fields
// render redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.cfg.String())
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req stopRequest
	if r.Body != nil {
		// An empty body is a valid stop with no reason.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	s.logger.Info("Operator stop requested", "reason", req.Reason)
	s.respondCommand(w, s.eng.Stop(ctx, req.Reason))
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	s.logger.Info("Operator teardown requested")
	s.respondCommand(w, s.eng.Teardown(ctx))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	s.logger.Info("Operator reconcile requested")
	s.respondCommand(w, s.eng.TriggerReconcile(ctx))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		body["components"] = s.health.Status()
		if !s.health.Healthy() {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

// respondCommand maps engine command errors onto HTTP status codes. A
// command against a terminal instance conflicts rather than fails.
func (s *Server) respondCommand(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	case errors.Is(err, apperrors.ErrTerminalStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
