// Package server exposes the forge HTTP API, WebSocket feed, and
// prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/store"
	"github.com/agentforge/forge/internal/ws"
)

// Server is the forge control-plane HTTP server.
type Server struct {
	cfg      *config.Config
	manager  *agent.Manager
	conns    *connectors.Manager
	db       *store.Store
	hub      *ws.Hub
	gatherer prometheus.Gatherer
	version  string

	httpServer *http.Server
}

// New creates the server. gatherer backs GET /metrics.
func New(cfg *config.Config, mgr *agent.Manager, conns *connectors.Manager, db *store.Store, hub *ws.Hub, gatherer prometheus.Gatherer, version string) *Server {
	return &Server{
		cfg:      cfg,
		manager:  mgr,
		conns:    conns,
		db:       db,
		hub:      hub,
		gatherer: gatherer,
		version:  version,
	}
}

// Start listens until ctx is cancelled, then drains with a 5s grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.buildMux(),
	}

	slog.Info("api server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleSpawn)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleKill)
	mux.HandleFunc("POST /api/agents/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /api/agents/{id}/control", s.handleControl)
	mux.HandleFunc("POST /api/agents/{id}/park", s.handlePark)
	mux.HandleFunc("POST /api/agents/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /api/agents/{id}/restart", s.handleRestart)
	mux.HandleFunc("GET /api/agents/{id}/output", s.handleOutput)
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/hooks/event", s.handleHookEvent)
	mux.HandleFunc("POST /api/connectors/{id}/restart", s.handleConnectorRestart)
	mux.HandleFunc("POST /api/connectors/{id}/test", s.handleConnectorTest)
	mux.HandleFunc("GET /api/connectors/{id}/channels", s.handleConnectorChannels)

	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.manager.Store().List()
	if project := r.URL.Query().Get("project"); project != "" {
		agents = s.manager.Store().ListByProject(project)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project  string   `json:"project"`
		Task     string   `json:"task"`
		Profile  string   `json:"profile,omitempty"`
		Profiles []string `json:"profiles,omitempty"` // comparison mode
		Count    int      `json:"count,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}

	if len(req.Profiles) > 0 {
		spawned, err := s.manager.SpawnComparison(r.Context(), req.Project, req.Task, req.Profiles, req.Count)
		if err != nil {
			// Partial spawns stay alive; report both.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  err.Error(),
				"agents": spawned,
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"agents": spawned})
		return
	}

	a, err := s.manager.Spawn(r.Context(), req.Project, req.Task, req.Profile)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.manager.Store().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.manager.Store().Get(id); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err := s.manager.Kill(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "id": id})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.manager.SendMessage(r.Context(), r.PathValue("id"), req.Text); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required, one of: "+strings.Join(agent.ControlActions(), ", "))
		return
	}
	if err := s.manager.SendControl(r.Context(), r.PathValue("id"), req.Action); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "action": req.Action})
}

func (s *Server) handlePark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parked bool `json:"parked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.manager.Park(r.PathValue("id"), req.Parked); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "parked": req.Parked})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Acknowledge(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": id})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	a, ok := s.manager.Store().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	output, err := s.manager.Tmux().CapturePane(r.Context(), a.SessionName, lines)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": a.ID, "output": output})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	type projectInfo struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description,omitempty"`
		MaxAgents   int    `json:"max_agents"`
		Agents      int    `json:"agents"`
	}

	var out []projectInfo
	for _, name := range s.cfg.ProjectNames() {
		p, _ := s.cfg.Project(name)
		out = append(out, projectInfo{
			Name:        name,
			Path:        p.Path,
			Description: p.Description,
			MaxAgents:   s.cfg.MaxAgentsFor(name),
			Agents:      s.manager.Store().CountByProject(name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := s.db.Events(store.EventFilter{
		AgentID: q.Get("agent_id"),
		Project: q.Get("project"),
		Type:    q.Get("type"),
	}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        s.version,
		"agents":         s.manager.Store().Count(),
		"projects":       len(s.cfg.ProjectNames()),
		"connectors":     s.conns.Statuses(r.Context()),
		"ws_subscribers": s.hub.SubscriberCount(),
	})
}

// handleHookEvent receives agent-side hook callbacks and tracks subagent
// depth. Events for unknown agents are acknowledged and dropped so a
// half-killed worktree cannot wedge its hooks on errors.
func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		HookEvent string `json:"hook_event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var delta int
	switch req.HookEvent {
	case "SubagentStart":
		delta = 1
	case "SubagentStop":
		delta = -1
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if !s.manager.AdjustSubagentDepth(req.AgentID, delta) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnectorRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.conns.Restart(r.Context(), id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "connector": id})
}

func (s *Server) handleConnectorTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		Text      string `json:"text,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	c, ok := s.conns.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "connector not found")
		return
	}
	if err := c.ValidateChannel(r.Context(), req.ChannelID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	text := req.Text
	if text == "" {
		text = "Agent Forge connectivity test."
	}
	if err := c.SendMessage(r.Context(), req.ChannelID, text, nil); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleConnectorChannels(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conns.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "connector not found")
		return
	}
	channels, err := c.ListChannels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
