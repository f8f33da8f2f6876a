package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/media"
	"github.com/agentforge/forge/internal/worktree"
)

// worktreesDir is the directory inside each project repo holding agent worktrees.
const worktreesDir = ".worktrees"

// defaultStartSequence is used when neither defaults nor profile define one.
var defaultStartSequence = []config.SequenceStep{
	{Action: "wait", Value: "3"},
	{Action: "send", Value: "{task}"},
}

// compareBranchPrefix marks branches of comparison-mode agents.
const compareBranchPrefix = "compare"

// Spawn creates a new agent for a project: worktree, context files, hook
// wiring, tmux session, pipe log, and the async start sequence.
func (m *Manager) Spawn(ctx context.Context, projectName, task, profileName string) (*Agent, error) {
	return m.spawn(ctx, projectName, task, profileName, m.cfg.Defaults.BranchPrefix)
}

// SpawnComparison spawns count agents for the same task, cycling through
// profiles, on "compare/" branches. count defaults to len(profiles). A
// failure mid-way returns the agents spawned so far together with the error.
func (m *Manager) SpawnComparison(ctx context.Context, projectName, task string, profiles []string, count int) ([]*Agent, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("comparison spawn needs at least one profile")
	}
	if count <= 0 {
		count = len(profiles)
	}

	var spawned []*Agent
	for i := 0; i < count; i++ {
		a, err := m.spawn(ctx, projectName, task, profiles[i%len(profiles)], compareBranchPrefix)
		if err != nil {
			return spawned, fmt.Errorf("comparison spawn %d/%d: %w", i+1, count, err)
		}
		spawned = append(spawned, a)
	}
	return spawned, nil
}

func (m *Manager) spawn(ctx context.Context, projectName, task, profileName, branchPrefix string) (*Agent, error) {
	ctx, span := m.tracer.Start(ctx, "agent.spawn", trace.WithAttributes(
		attribute.String("agent.project", projectName),
	))
	defer span.End()

	project, ok := m.cfg.Project(projectName)
	if !ok {
		return nil, fmt.Errorf("project not found: %s", projectName)
	}

	maxAgents := m.cfg.MaxAgentsFor(projectName)
	if count := m.store.CountByProject(projectName); count >= maxAgents {
		return nil, fmt.Errorf("project %s is at its agent limit (%d)", projectName, maxAgents)
	}

	profile, err := m.cfg.ResolveProfile(projectName, profileName)
	if err != nil {
		return nil, err
	}

	id, err := newAgentID()
	if err != nil {
		return nil, err
	}

	repo := config.ExpandHome(project.Path)
	branch := fmt.Sprintf("%s/%s/%s", branchPrefix, id, worktree.Slugify(task))
	sessionName := SessionName(projectName, id)
	wtPath := filepath.Join(repo, worktreesDir, id)

	if err := worktree.Add(ctx, repo, branch, wtPath, project.DefaultBranch); err != nil {
		return nil, err
	}

	cleanup := func() {
		if rmErr := worktree.Remove(context.Background(), repo, wtPath); rmErr != nil {
			slog.Warn("spawn cleanup: worktree removal failed", "path", wtPath, "error", rmErr)
		}
		if brErr := worktree.DeleteBranch(context.Background(), repo, branch); brErr != nil {
			slog.Debug("spawn cleanup: branch deletion failed", "branch", branch, "error", brErr)
		}
	}

	if err := os.MkdirAll(filepath.Join(wtPath, media.Dir), 0755); err != nil {
		cleanup()
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	copyEnvFiles(repo, wtPath)

	if err := m.writeHookSettings(wtPath, id); err != nil {
		slog.Warn("hook settings write failed, subagent tracking disabled", "agent_id", id, "error", err)
	}
	if err := m.writeContextFile(wtPath, projectName, project, profile); err != nil {
		slog.Warn("context file write failed", "agent_id", id, "error", err)
	}

	command := buildLaunchCommand(profile)
	if err := m.tmux.CreateSession(ctx, sessionName, wtPath, command); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn agent %s: %w", id, err)
	}

	if err := m.tmux.EnablePipe(ctx, sessionName, filepath.Join(wtPath, PipeLogName)); err != nil {
		slog.Warn("pipe enable failed, relays unavailable", "agent_id", id, "error", err)
	}

	now := time.Now()
	a := &Agent{
		ID:           id,
		Project:      projectName,
		SessionName:  sessionName,
		WorktreePath: wtPath,
		BranchName:   branch,
		Task:         task,
		Profile:      profileName,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
		LastUserMsg:  task,
	}
	m.store.Put(a)
	m.recordEvent(id, projectName, "spawned", map[string]string{"task": task, "branch": branch})
	m.saveSnapshot(id)
	m.broadcastAgent(a)

	steps := profile.StartSequence
	if len(steps) == 0 {
		steps = defaultStartSequence
	}
	go m.runStartSequence(a, steps, task)

	slog.Info("agent spawned", "agent_id", id, "project", projectName, "branch", branch)
	return a, nil
}

// runStartSequence drives the profile's startup steps in the background.
// Aborts silently when the agent is killed mid-sequence.
func (m *Manager) runStartSequence(a *Agent, steps []config.SequenceStep, task string) {
	ctx := context.Background()
	for _, step := range steps {
		if _, alive := m.store.Get(a.ID); !alive {
			return
		}
		switch step.Action {
		case "wait":
			time.Sleep(parseSeconds(step.Value, 3))
		case "wait_for_idle":
			timeout := parseSeconds(step.Value, 120)
			if err := m.tmux.WaitForIdle(ctx, a.SessionName, timeout); err != nil {
				slog.Warn("start sequence wait_for_idle timed out", "agent_id", a.ID, "error", err)
			}
		case "send":
			text := strings.ReplaceAll(step.Value, "{task}", task)
			if err := m.tmux.SendText(ctx, a.SessionName, text); err != nil {
				slog.Warn("start sequence send failed", "agent_id", a.ID, "error", err)
				return
			}
		case "keys":
			if err := m.tmux.SendKeys(ctx, a.SessionName, strings.Fields(step.Value)...); err != nil {
				slog.Warn("start sequence keys failed", "agent_id", a.ID, "error", err)
			}
		default:
			slog.Warn("unknown start sequence action", "action", step.Action, "agent_id", a.ID)
		}
	}
}

func parseSeconds(v string, fallback float64) time.Duration {
	if v == "" {
		return time.Duration(fallback * float64(time.Second))
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		secs = fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func newAgentID() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// copyEnvFiles copies the project's .env* files into the worktree so the
// agent runs with the same local secrets. Best effort.
func copyEnvFiles(repo, wtPath string) {
	matches, err := filepath.Glob(filepath.Join(repo, ".env*"))
	if err != nil {
		return
	}
	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			slog.Debug("env file copy skipped", "path", src, "error", err)
			continue
		}
		dest := filepath.Join(wtPath, filepath.Base(src))
		if err := os.WriteFile(dest, data, 0600); err != nil {
			slog.Debug("env file write failed", "path", dest, "error", err)
		}
	}
}

// hookSettings models the .claude/settings.local.json hook block.
type hookSettings struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Hooks []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// writeHookSettings wires SubagentStart/SubagentStop hooks to the server's
// hook endpoint so subagent depth is tracked live.
func (m *Manager) writeHookSettings(wtPath, agentID string) error {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/api/hooks/event", m.cfg.Server.Port)
	hookCmd := func(event string) string {
		payload := fmt.Sprintf(`{"agent_id":"%s","hook_event":"%s"}`, agentID, event)
		return fmt.Sprintf(`curl -s -X POST %s -H 'Content-Type: application/json' -d '%s' >/dev/null 2>&1 || true`, endpoint, payload)
	}

	settings := hookSettings{Hooks: map[string][]hookMatcher{
		"SubagentStart": {{Hooks: []hookCommand{{Type: "command", Command: hookCmd("SubagentStart")}}}},
		"SubagentStop":  {{Hooks: []hookCommand{{Type: "command", Command: hookCmd("SubagentStop")}}}},
	}}

	dir := filepath.Join(wtPath, ".claude")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create .claude dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hook settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.local.json"), data, 0644); err != nil {
		return fmt.Errorf("write hook settings: %w", err)
	}
	return nil
}

// buildLaunchCommand assembles the shell command the session runs: profile
// env exports, the agent binary, and the appended system prompt.
func buildLaunchCommand(profile config.Profile) string {
	var parts []string

	keys := make([]string, 0, len(profile.Env))
	for k := range profile.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("export %s=%s;", k, shellQuote(profile.Env[k])))
	}
	if key := config.AnthropicAPIKey(); key != "" {
		parts = append(parts, fmt.Sprintf("export ANTHROPIC_API_KEY=%s;", shellQuote(key)))
	}

	cmd := profile.ClaudeCommand
	if cmd == "" {
		cmd = "claude"
	}
	parts = append(parts, cmd)

	if profile.SystemPrompt != "" {
		parts = append(parts, "--append-system-prompt", shellQuote(profile.SystemPrompt))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
