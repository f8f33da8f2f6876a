package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/store"
	"github.com/agentforge/forge/internal/tmux"
	"github.com/agentforge/forge/internal/worktree"
)

// PipeLogName is the pipe-pane target file inside each worktree.
const PipeLogName = ".agent_output.log"

// controlKeymap maps control actions to tmux key sequences.
var controlKeymap = map[string][]string{
	"approve":     {"Enter"},
	"approve_all": {"Down", "Enter"},
	"reject":      {"Escape"},
	"interrupt":   {"C-c"},
	"up":          {"Up"},
	"down":        {"Down"},
}

// ControlActions lists the valid control action names.
func ControlActions() []string {
	return []string{"approve", "approve_all", "reject", "interrupt", "up", "down"}
}

// Manager owns agent lifecycle: spawn, messaging, control, kill, recovery.
type Manager struct {
	cfg       *config.Config
	tmux      *tmux.Driver
	db        *store.Store
	store     *Store
	broadcast bus.Broadcaster
	tracer    trace.Tracer
}

// NewManager wires a lifecycle manager.
func NewManager(cfg *config.Config, driver *tmux.Driver, db *store.Store, broadcast bus.Broadcaster) *Manager {
	if broadcast == nil {
		broadcast = bus.NopBroadcaster{}
	}
	return &Manager{
		cfg:       cfg,
		tmux:      driver,
		db:        db,
		store:     NewStore(),
		broadcast: broadcast,
		tracer:    otel.Tracer("forge/agent"),
	}
}

// Store exposes the in-memory registry.
func (m *Manager) Store() *Store { return m.store }

// Tmux exposes the terminal driver for the monitor and metrics collector.
func (m *Manager) Tmux() *tmux.Driver { return m.tmux }

// PipeLogPath returns the agent's pipe-log path.
func PipeLogPath(a *Agent) string {
	return filepath.Join(a.WorktreePath, PipeLogName)
}

// Kill tears an agent down: session, pipe log, worktree, branch, registry.
// Later steps run even when earlier ones fail.
func (m *Manager) Kill(ctx context.Context, id string) error {
	a, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}

	ctx, span := m.tracer.Start(ctx, "agent.kill", trace.WithAttributes(
		attribute.String("agent.id", id),
		attribute.String("agent.project", a.Project),
	))
	defer span.End()

	if err := m.tmux.DisablePipe(ctx, a.SessionName); err != nil {
		slog.Debug("disable pipe failed during kill", "agent_id", id, "error", err)
	}
	if err := os.Remove(PipeLogPath(a)); err != nil && !os.IsNotExist(err) {
		slog.Debug("pipe log removal failed", "agent_id", id, "error", err)
	}
	if m.tmux.SessionExists(ctx, a.SessionName) {
		if err := m.tmux.KillSession(ctx, a.SessionName); err != nil {
			slog.Warn("kill session failed", "agent_id", id, "error", err)
		}
	}

	if project, ok := m.cfg.Project(a.Project); ok {
		repo := config.ExpandHome(project.Path)
		if err := worktree.Remove(ctx, repo, a.WorktreePath); err != nil {
			slog.Warn("worktree removal failed", "agent_id", id, "error", err)
		}
		if err := worktree.DeleteBranch(ctx, repo, a.BranchName); err != nil {
			slog.Warn("branch deletion failed", "agent_id", id, "branch", a.BranchName, "error", err)
		}
	}

	m.store.Remove(id)
	a.Status = StatusStopped
	m.recordEvent(id, a.Project, "killed", nil)
	if err := m.db.DeleteSnapshot(id); err != nil {
		slog.Warn("snapshot deletion failed", "agent_id", id, "error", err)
	}
	m.broadcastAgent(a)

	slog.Info("agent killed", "agent_id", id, "project", a.Project)
	return nil
}

// Restart kills an agent and spawns a replacement with the same project,
// task, and profile.
func (m *Manager) Restart(ctx context.Context, id string) (*Agent, error) {
	old, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	project, task, profile := old.Project, old.Task, old.Profile

	if err := m.Kill(ctx, id); err != nil {
		return nil, fmt.Errorf("restart %s: %w", id, err)
	}
	a, err := m.Spawn(ctx, project, task, profile)
	if err != nil {
		return nil, fmt.Errorf("restart %s: %w", id, err)
	}
	m.recordEvent(a.ID, project, "agent_restarted", map[string]string{"previous_id": id})
	return a, nil
}

// SendMessage delivers user text to the agent's terminal. The relay offset
// advances to the current pipe-log size so the next extraction covers only
// output produced after this message.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	a, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}

	var offset int64
	if info, err := os.Stat(PipeLogPath(a)); err == nil {
		offset = info.Size()
	}

	if err := m.tmux.SendText(ctx, a.SessionName, text); err != nil {
		return fmt.Errorf("send message to %s: %w", id, err)
	}

	m.store.Update(id, func(a *Agent) {
		a.RelayOffset = offset
		a.LastUserMsg = text
		a.Status = StatusWorking
		a.NeedsAttention = false
		a.LastActivity = time.Now()
	})
	m.recordEvent(id, a.Project, "message_sent", map[string]string{"text": text})
	m.saveSnapshot(id)
	return nil
}

// SendControl presses the key sequence mapped to action in the agent's
// terminal (approve, approve_all, reject, interrupt, up, down).
func (m *Manager) SendControl(ctx context.Context, id, action string) error {
	a, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	keys, ok := controlKeymap[action]
	if !ok {
		return fmt.Errorf("unknown control action: %s", action)
	}
	if err := m.tmux.SendKeys(ctx, a.SessionName, keys...); err != nil {
		return fmt.Errorf("send control %s to %s: %w", action, id, err)
	}
	m.recordEvent(id, a.Project, "control_sent", map[string]string{"action": action})
	return nil
}

// ClearContext asks the agent to reset its conversation context.
func (m *Manager) ClearContext(ctx context.Context, id string) error {
	a, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	if err := m.tmux.SendText(ctx, a.SessionName, "/clear"); err != nil {
		return fmt.Errorf("clear context for %s: %w", id, err)
	}
	time.Sleep(time.Second)
	return nil
}

// Park marks an agent as intentionally quiet; parked agents are excluded
// from attention rollups until they change status again.
func (m *Manager) Park(id string, parked bool) error {
	if !m.store.Update(id, func(a *Agent) {
		a.Parked = parked
		if parked {
			a.NeedsAttention = false
		}
	}) {
		return fmt.Errorf("agent not found: %s", id)
	}
	m.saveSnapshot(id)
	return nil
}

// Acknowledge clears the agent's attention flag without changing status.
func (m *Manager) Acknowledge(id string) error {
	if !m.store.Update(id, func(a *Agent) { a.NeedsAttention = false }) {
		return fmt.Errorf("agent not found: %s", id)
	}
	m.saveSnapshot(id)
	return nil
}

// AdjustSubagentDepth applies a hook event delta, floored at zero.
func (m *Manager) AdjustSubagentDepth(id string, delta int) bool {
	ok := m.store.Update(id, func(a *Agent) {
		a.SubagentDepth += delta
		if a.SubagentDepth < 0 {
			a.SubagentDepth = 0
		}
	})
	return ok
}

func (m *Manager) recordEvent(agentID, project, eventType string, payload interface{}) {
	if err := m.db.RecordEvent(agentID, project, eventType, payload); err != nil {
		slog.Warn("event record failed", "event_type", eventType, "agent_id", agentID, "error", err)
	}
}

func (m *Manager) saveSnapshot(id string) {
	a, ok := m.store.Get(id)
	if !ok {
		return
	}
	if err := m.db.SaveSnapshot(toSnapshot(a)); err != nil {
		slog.Warn("snapshot save failed", "agent_id", id, "error", err)
	}
}

func toSnapshot(a *Agent) store.Snapshot {
	return store.Snapshot{
		AgentID:        a.ID,
		Project:        a.Project,
		SessionName:    a.SessionName,
		WorktreePath:   a.WorktreePath,
		BranchName:     a.BranchName,
		Status:         string(a.Status),
		Task:           a.Task,
		CreatedAt:      a.CreatedAt,
		LastActivity:   a.LastActivity,
		LastOutput:     a.LastOutput,
		NeedsAttention: a.NeedsAttention,
		Parked:         a.Parked,
		LastResponse:   a.LastResponse,
		LastUserMsg:    a.LastUserMsg,
		Profile:        a.Profile,
	}
}

// SaveSnapshot persists the agent's current state. Exported for the monitor.
func (m *Manager) SaveSnapshot(id string) { m.saveSnapshot(id) }

// RecordEvent writes an audit event. Exported for the monitor and router.
func (m *Manager) RecordEvent(agentID, project, eventType string, payload interface{}) {
	m.recordEvent(agentID, project, eventType, payload)
}

const outputTail = 2000

func (m *Manager) broadcastAgent(a *Agent) {
	tail := a.LastOutput
	if len(tail) > outputTail {
		tail = tail[len(tail)-outputTail:]
	}
	m.broadcast.Broadcast(bus.Frame{
		Type:      "agent_update",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"agent":       a,
			"last_output": tail,
		},
	})
}

// BroadcastAgent pushes the agent's state to dashboard subscribers.
func (m *Manager) BroadcastAgent(a *Agent) { m.broadcastAgent(a) }
