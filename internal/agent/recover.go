package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentforge/forge/internal/config"
)

// recoveryNote is sent to agents whose sessions had to be recreated after
// the host went down with the supervisor.
const recoveryNote = "Your session was restarted after a supervisor outage. " +
	"The worktree is unchanged; run git status, review your progress, and continue the task."

// DetectFunc classifies terminal output into a status. Injected by the
// caller to keep status heuristics with the monitor.
type DetectFunc func(current, previous string) Status

// Recover re-adopts live forge sessions after a restart and recreates
// sessions whose host died while their worktrees survived.
func (m *Manager) Recover(ctx context.Context, detect DetectFunc) {
	sessions, err := m.tmux.ListSessions(ctx)
	if err != nil {
		slog.Warn("session recovery: list failed", "error", err)
		return
	}

	live := make(map[string]bool)
	for _, session := range sessions {
		projectName, id, ok := ParseSessionName(session.Name)
		if !ok {
			continue
		}
		live[id] = true

		if _, known := m.cfg.Project(projectName); !known {
			slog.Warn("orphan session for unknown project, leaving untouched",
				"session", session.Name, "project", projectName)
			continue
		}

		a := m.adoptSession(ctx, projectName, id, session.Name, session.Created, detect)
		m.store.Put(a)
		m.recordEvent(id, projectName, "recovered", map[string]string{"session": session.Name})
		m.saveSnapshot(id)
		slog.Info("agent recovered", "agent_id", id, "project", projectName, "status", a.Status)
	}

	m.recoverDeadSessions(ctx, live)
}

// adoptSession rebuilds an Agent record for a live session, preferring the
// persisted snapshot and falling back to path conventions.
func (m *Manager) adoptSession(ctx context.Context, projectName, id, sessionName string, created time.Time, detect DetectFunc) *Agent {
	a := &Agent{
		ID:           id,
		Project:      projectName,
		SessionName:  sessionName,
		Status:       StatusIdle,
		CreatedAt:    created,
		LastActivity: time.Now(),
	}

	if snap, ok, err := m.db.Snapshot(id); err == nil && ok {
		a.WorktreePath = snap.WorktreePath
		a.BranchName = snap.BranchName
		a.Task = snap.Task
		a.Profile = snap.Profile
		a.LastResponse = snap.LastResponse
		a.LastUserMsg = snap.LastUserMsg
		a.NeedsAttention = snap.NeedsAttention
		a.Parked = snap.Parked
		if !snap.CreatedAt.IsZero() {
			a.CreatedAt = snap.CreatedAt
		}
	}

	if a.WorktreePath == "" {
		if project, ok := m.cfg.Project(projectName); ok {
			a.WorktreePath = filepath.Join(config.ExpandHome(project.Path), worktreesDir, id)
		}
	}
	if a.BranchName == "" {
		a.BranchName = m.cfg.Defaults.BranchPrefix + "/" + id + "/" + "recovered"
	}

	// Classify from a fresh capture compared against itself so a static
	// screen is never mistaken for active work.
	if output, err := m.tmux.CapturePane(ctx, sessionName, 200); err == nil {
		a.Status = detect(output, output)
		a.LastOutput = output
	}

	if err := m.tmux.EnablePipe(ctx, sessionName, PipeLogPath(a)); err != nil {
		slog.Debug("pipe re-enable failed", "agent_id", id, "error", err)
	}
	if info, err := os.Stat(PipeLogPath(a)); err == nil {
		a.RelayOffset = info.Size()
	}
	return a
}

// recoverDeadSessions recreates sessions for snapshots whose tmux session
// vanished (power failure) but whose worktree still exists. Snapshots with
// no worktree left are dropped.
func (m *Manager) recoverDeadSessions(ctx context.Context, live map[string]bool) {
	snaps, err := m.db.Snapshots()
	if err != nil {
		slog.Warn("session recovery: snapshot scan failed", "error", err)
		return
	}

	for _, snap := range snaps {
		if live[snap.AgentID] {
			continue
		}
		if _, known := m.cfg.Project(snap.Project); !known {
			continue
		}
		info, statErr := os.Stat(snap.WorktreePath)
		if statErr != nil || !info.IsDir() {
			slog.Info("dropping snapshot without worktree", "agent_id", snap.AgentID)
			if err := m.db.DeleteSnapshot(snap.AgentID); err != nil {
				slog.Warn("snapshot deletion failed", "agent_id", snap.AgentID, "error", err)
			}
			continue
		}

		profile, err := m.cfg.ResolveProfile(snap.Project, snap.Profile)
		if err != nil {
			// The profile vanished from config while the snapshot survived.
			slog.Warn("snapshot profile no longer configured, using defaults",
				"agent_id", snap.AgentID, "profile", snap.Profile)
			profile, _ = m.cfg.ResolveProfile(snap.Project, "")
		}
		command := buildLaunchCommand(profile)
		if err := m.tmux.CreateSession(ctx, snap.SessionName, snap.WorktreePath, command); err != nil {
			slog.Warn("session recreation failed", "agent_id", snap.AgentID, "error", err)
			continue
		}
		if err := m.tmux.EnablePipe(ctx, snap.SessionName, filepath.Join(snap.WorktreePath, PipeLogName)); err != nil {
			slog.Debug("pipe enable failed after recreation", "agent_id", snap.AgentID, "error", err)
		}

		a := &Agent{
			ID:           snap.AgentID,
			Project:      snap.Project,
			SessionName:  snap.SessionName,
			WorktreePath: snap.WorktreePath,
			BranchName:   snap.BranchName,
			Task:         snap.Task,
			Profile:      snap.Profile,
			Status:       StatusStarting,
			CreatedAt:    snap.CreatedAt,
			LastActivity: time.Now(),
			LastResponse: snap.LastResponse,
			LastUserMsg:  snap.LastUserMsg,
		}
		m.store.Put(a)
		m.recordEvent(a.ID, a.Project, "recreated", nil)
		m.saveSnapshot(a.ID)

		go func(a *Agent) {
			time.Sleep(5 * time.Second)
			if err := m.tmux.WaitForIdle(context.Background(), a.SessionName, 120*time.Second); err != nil {
				slog.Debug("recovered agent never became idle", "agent_id", a.ID)
			}
			if err := m.tmux.SendText(context.Background(), a.SessionName, recoveryNote); err != nil {
				slog.Warn("recovery note delivery failed", "agent_id", a.ID, "error", err)
			}
		}(a)

		slog.Info("agent session recreated after outage", "agent_id", a.ID, "project", a.Project)
	}
}
