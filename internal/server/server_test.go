package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/tmux"
	"github.com/agentforge/forge/internal/ws"
)

func testServer() *Server {
	cfg := config.Default()
	mgr := agent.NewManager(cfg, tmux.NewDriver(""), nil, bus.NopBroadcaster{})
	return New(cfg, mgr, connectors.NewManager(), nil, ws.NewHub(), prometheus.NewRegistry(), "test")
}

func TestHealthz(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestHookEventDepthTracking(t *testing.T) {
	s := testServer()
	s.manager.Store().Put(&agent.Agent{ID: "abc123", Project: "demo"})
	mux := s.buildMux()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/hooks/event", strings.NewReader(body))
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"agent_id":"abc123","hook_event":"SubagentStart"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	a, _ := s.manager.Store().Get("abc123")
	assert.Equal(t, 1, a.SubagentDepth)

	post(`{"agent_id":"abc123","hook_event":"SubagentStop"}`)
	// Extra stops must not push depth negative.
	post(`{"agent_id":"abc123","hook_event":"SubagentStop"}`)

	a, _ = s.manager.Store().Get("abc123")
	assert.Equal(t, 0, a.SubagentDepth)
}

func TestHookEventUnknownAgentIgnored(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/hooks/event",
		strings.NewReader(`{"agent_id":"nope","hook_event":"SubagentStart"}`))
	s.buildMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ignored"`)
}

func TestHookEventUnknownTypeIgnored(t *testing.T) {
	s := testServer()
	s.manager.Store().Put(&agent.Agent{ID: "abc123", Project: "demo"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/hooks/event",
		strings.NewReader(`{"agent_id":"abc123","hook_event":"SomethingElse"}`))
	s.buildMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ignored"`)

	a, _ := s.manager.Store().Get("abc123")
	assert.Zero(t, a.SubagentDepth)
}

func TestSpawnValidation(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(`{"task":"do things"}`))
	s.buildMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "project is required")
}

func TestSpawnAllowsEmptyTask(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(`{"project":"ghost"}`))
	s.buildMux().ServeHTTP(rec, req)

	// The empty task clears validation; the unknown project is rejected
	// by the manager, not the handler.
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "project not found")
}

func TestGetAgentNotFound(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlRequiresAction(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/agents/x/control", strings.NewReader(`{}`))
	s.buildMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "approve")
}
