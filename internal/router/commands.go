package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
)

const helpText = `Agent Forge commands:
/status — agents by project
/spawn <project> <task> — start a new agent
/kill <id> — stop an agent and remove its worktree
/projects — registered projects
/approve [id] — confirm the agent's pending prompt
/approve_all [id] — confirm and skip future prompts
/reject [id] — decline the pending prompt
/interrupt [id] — send Ctrl-C to the agent
/help — this message

Send work with @project message or @project:agent-id message. When the
channel is bound to a single project, just type your message directly.`

var statusGlyphs = map[agent.Status]string{
	agent.StatusStarting:     "🚀",
	agent.StatusWorking:      "🔨",
	agent.StatusIdle:         "💤",
	agent.StatusWaitingInput: "⏸",
	agent.StatusError:        "❌",
	agent.StatusStopped:      "⏹",
}

func (r *Router) handleCommand(ctx context.Context, msg bus.InboundMessage, content string) {
	fields := strings.Fields(content)
	cmd := fields[0]
	// Telegram group mentions arrive as "/status@botname".
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	switch cmd {
	case "/help", "/commands", "/start":
		r.reply(ctx, msg, helpText)
	case "/status":
		r.reply(ctx, msg, r.statusText())
	case "/projects":
		r.reply(ctx, msg, r.projectsText())
	case "/spawn":
		r.cmdSpawn(ctx, msg, args)
	case "/kill":
		r.cmdKill(ctx, msg, args)
	case "/approve", "/approve_all", "/reject", "/interrupt":
		r.cmdControl(ctx, msg, strings.TrimPrefix(cmd, "/"), args)
	default:
		r.reply(ctx, msg, fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

func (r *Router) statusText() string {
	agents := r.manager.Store().List()
	if len(agents) == 0 {
		return "No agents running. Spawn one with /spawn <project> <task>."
	}

	byProject := make(map[string][]*agent.Agent)
	for _, a := range agents {
		byProject[a.Project] = append(byProject[a.Project], a)
	}
	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	var b strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&b, "%s (%d/%d):\n", p, len(byProject[p]), r.cfg.MaxAgentsFor(p))
		for _, a := range byProject[p] {
			glyph := statusGlyphs[a.Status]
			fmt.Fprintf(&b, "  %s `%s` %s", glyph, a.ID, a.Status)
			if a.Parked {
				b.WriteString(" (parked)")
			}
			if a.Task != "" {
				fmt.Fprintf(&b, " — %s", truncate(a.Task, 60))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) projectsText() string {
	names := r.cfg.ProjectNames()
	if len(names) == 0 {
		return "No projects configured."
	}

	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, name := range names {
		project, _ := r.cfg.Project(name)
		count := r.manager.Store().CountByProject(name)
		detail := project.Description
		if detail == "" {
			detail = project.Path
		}
		fmt.Fprintf(&b, "• %s — %s (%d/%d agents)\n", name, detail, count, r.cfg.MaxAgentsFor(name))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdSpawn(ctx context.Context, msg bus.InboundMessage, args []string) {
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /spawn <project> [task]")
		return
	}
	project := args[0]
	task := strings.Join(args[1:], " ")

	a, err := r.manager.Spawn(ctx, project, task, "")
	if err != nil {
		r.reply(ctx, msg, fmt.Sprintf("Spawn failed: %v", err))
		return
	}
	r.markConversation(chanKey{connector: msg.Connector, channel: msg.ChatID}, a)
	r.reply(ctx, msg, fmt.Sprintf("Spawned agent `%s` for %s on branch %s", a.ID, project, a.BranchName))
}

func (r *Router) cmdKill(ctx context.Context, msg bus.InboundMessage, args []string) {
	if len(args) != 1 {
		r.reply(ctx, msg, "Usage: /kill <id>")
		return
	}
	id := args[0]
	if err := r.manager.Kill(ctx, id); err != nil {
		r.reply(ctx, msg, fmt.Sprintf("Kill failed: %v", err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Agent `%s` stopped, worktree removed.", id))
}

// cmdControl resolves the target agent and sends a keymap action.
// Resolution order: explicit argument, sticky channel context, then the
// single-agent shortcut.
func (r *Router) cmdControl(ctx context.Context, msg bus.InboundMessage, action string, args []string) {
	var target *agent.Agent

	key := chanKey{connector: msg.Connector, channel: msg.ChatID}
	if len(args) >= 1 {
		target, _ = r.manager.Store().Get(args[0])
		if target == nil {
			r.reply(ctx, msg, fmt.Sprintf("No agent `%s`. Try /status.", args[0]))
			return
		}
	} else if a := r.stickyAgent(key); a != nil {
		target = a
	} else if projects := r.inboundProjects(key); len(projects) == 1 {
		if agents := r.manager.Store().ListByProject(projects[0]); len(agents) == 1 {
			target = agents[0]
		}
	}

	if target == nil {
		r.reply(ctx, msg, fmt.Sprintf("Usage: /%s [agent_id]\nSend a message to an agent first to set context.", action))
		return
	}

	if err := r.manager.SendControl(ctx, target.ID, action); err != nil {
		r.reply(ctx, msg, fmt.Sprintf("Failed to send `%s` to agent `%s`.", action, target.ID))
		return
	}
	r.mu.Lock()
	r.sticky[key] = target.ID
	r.mu.Unlock()
	r.reply(ctx, msg, fmt.Sprintf("Sent `%s` to agent `%s`", action, target.ID))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
