package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/internal/config"
	"grid_trader/internal/engine"
	"grid_trader/internal/infrastructure/health"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/logging"
)

// A zero-value engine has no status report and no running event loop,
// which is exactly the pre-startup window the handlers must survive.
func newTestServer() *Server {
	return NewServer(0, config.DefaultConfig(), &engine.Engine{}, nil,
		logging.NewLogger(logging.InfoLevel))
}

func TestStatusBeforeEngineStarts(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body["error"], "not started")
}

func TestConfigDumpRedactsSecrets(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "SOLUSDT")
	assert.Contains(t, body, "[REDACTED]")
	assert.NotContains(t, body, "test_api_key")
	assert.NotContains(t, body, "test_secret_key")
}

func TestHealthzAggregatesChecks(t *testing.T) {
	logger := logging.NewLogger(logging.InfoLevel)

	t.Run("no manager keeps endpoint alive", func(t *testing.T) {
		s := newTestServer()
		rec := httptest.NewRecorder()
		s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.NotContains(t, body, "components")
	})

	t.Run("all components healthy", func(t *testing.T) {
		hm := health.NewManager(logger)
		hm.Register("exchange", func() error { return nil })
		s := newTestServer()
		s.health = hm

		rec := httptest.NewRecorder()
		s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("failing component degrades the rollup", func(t *testing.T) {
		hm := health.NewManager(logger)
		hm.Register("exchange", func() error { return errors.New("socket closed") })
		s := newTestServer()
		s.health = hm

		rec := httptest.NewRecorder()
		s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "degraded", body["status"])
		components, ok := body["components"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, components["exchange"], "socket closed")
	})
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer()
	cases := []struct {
		name    string
		method  string
		handler http.HandlerFunc
	}{
		{"status", http.MethodPost, s.handleStatus},
		{"config", http.MethodPost, s.handleConfig},
		{"healthz", http.MethodDelete, s.handleHealthz},
		{"stop", http.MethodGet, s.handleStop},
		{"teardown", http.MethodGet, s.handleTeardown},
		{"reconcile", http.MethodGet, s.handleReconcile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.handler(rec, httptest.NewRequest(tc.method, "/"+tc.name, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestStopRejectsMalformedBody(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader("{not json"))
	s.handleStop(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body["error"], "malformed body")
}

func TestCommandErrorMapping(t *testing.T) {
	s := newTestServer()
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, http.StatusOK},
		{"terminal instance", apperrors.ErrTerminalStatus, http.StatusConflict},
		{"engine not running", engine.ErrNotRunning, http.StatusServiceUnavailable},
		{"unexpected failure", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.respondCommand(rec, tc.err)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}
