// Package router bridges chat-platform connectors and the agent manager:
// inbound messages become agent actions, agent events fan out to channels.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/media"
	"github.com/agentforge/forge/internal/store"
)

// spawnTaskCap bounds the task description taken from a routed message.
const spawnTaskCap = 200

// mediaRefDelay gives a freshly spawned agent time to boot before the
// media reference message lands.
const mediaRefDelay = 5 * time.Second

// targetRe matches explicit addressing: "@project text", "@project: text",
// or "@project:agent-id text".
var targetRe = regexp.MustCompile(`(?s)^@([\w-]+)(?::([\w-]+))?[:\s]\s*(.*)`)

// parseTarget extracts "@project[:agent-id] text" addressing. All parts are
// empty when the text carries no target prefix.
func parseTarget(text string) (project, agentID, remainder string) {
	match := targetRe.FindStringSubmatch(text)
	if match == nil {
		return "", "", ""
	}
	return match[1], match[2], strings.TrimSpace(match[3])
}

// formatTarget renders the addressing prefix parseTarget understands.
func formatTarget(project, agentID, text string) string {
	if agentID != "" {
		return fmt.Sprintf("@%s:%s %s", project, agentID, text)
	}
	return fmt.Sprintf("@%s %s", project, text)
}

// chanKey identifies one chat channel on one connector.
type chanKey struct {
	connector string
	channel   string
}

// binding is a resolved project-channel wiring.
type binding struct {
	project   string
	direction string
}

// Router routes inbound chat messages to agents and relays agent events
// back to the channels bound to each project.
type Router struct {
	cfg        *config.Config
	manager    *agent.Manager
	connectors *connectors.Manager
	db         *store.Store

	mu         sync.RWMutex
	channelMap map[chanKey][]binding
	replyChans map[string]map[chanKey]bool // project -> channels that messaged it
	sticky     map[chanKey]string          // channel -> last addressed agent id
}

// New creates a router and builds the channel map from config.
func New(cfg *config.Config, mgr *agent.Manager, conns *connectors.Manager, db *store.Store) *Router {
	r := &Router{
		cfg:        cfg,
		manager:    mgr,
		connectors: conns,
		db:         db,
		replyChans: make(map[string]map[chanKey]bool),
		sticky:     make(map[chanKey]string),
	}
	r.RebuildChannelMap()
	return r
}

// RebuildChannelMap regenerates channel-to-project wiring from config.
// Called at startup and after a config hot reload.
func (r *Router) RebuildChannelMap() {
	m := make(map[chanKey][]binding)
	for name, project := range r.cfg.Projects {
		for _, ch := range project.Channels {
			key := chanKey{connector: ch.Connector, channel: ch.ChannelID}
			m[key] = append(m[key], binding{project: name, direction: ch.Direction})
		}
	}

	r.mu.Lock()
	r.channelMap = m
	r.mu.Unlock()
	slog.Debug("router channel map rebuilt", "channels", len(m))
}

// Bind registers the router as the inbound handler on every connector.
func (r *Router) Bind() {
	for _, c := range r.connectors.All() {
		c.SetHandler(r.HandleInbound)
	}
}

// HandleInbound processes one inbound chat message.
func (r *Router) HandleInbound(msg bus.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.rememberChat(msg)

	if msg.Metadata["callback"] == "true" {
		r.handleCallback(ctx, msg)
		return
	}

	content := strings.TrimSpace(msg.Content)
	if strings.HasPrefix(content, "/") {
		r.handleCommand(ctx, msg, content)
		return
	}

	key := chanKey{connector: msg.Connector, channel: msg.ChatID}

	project, agentID := msg.Project, msg.AgentID
	if project == "" {
		var ok bool
		project, agentID, content, ok = r.resolveProject(ctx, msg, key, content)
		if !ok {
			return
		}
	}

	if _, exists := r.cfg.Project(project); !exists {
		r.reply(ctx, msg, fmt.Sprintf("Unknown project: '%s'\nAvailable: %s",
			project, strings.Join(r.cfg.ProjectNames(), ", ")))
		return
	}

	var target *agent.Agent
	if agentID != "" {
		var found bool
		target, found = r.manager.Store().Get(agentID)
		if !found {
			r.reply(ctx, msg, fmt.Sprintf("Agent `%s` not found.", agentID))
			return
		}
	} else {
		var spawned bool
		target, spawned = r.smartRoute(ctx, msg, project, content)
		if target == nil {
			return
		}
		if spawned {
			// The start sequence carries the text; media references follow
			// once the agent has had time to boot.
			if len(msg.Media) > 0 {
				go r.sendDelayedMediaRef(target, msg.Media)
			}
			r.markConversation(key, target)
			r.reply(ctx, msg, fmt.Sprintf("Spawned agent `%s` for %s", target.ID, project))
			return
		}
	}

	if r.deliver(ctx, msg, key, target, content) {
		r.reply(ctx, msg, fmt.Sprintf("Sent to `%s` (%s)", target.ID, project))
	}
}

// resolveProject finds the (project, agent) a non-command message is for.
// Binding count decides the strategy: a single inbound binding wins
// outright; otherwise the @project prefix, then sticky context, then a
// connector-extracted agent id are tried in order. Returns ok=false after
// replying when nothing resolves.
func (r *Router) resolveProject(ctx context.Context, msg bus.InboundMessage, key chanKey, content string) (project, agentID, remainder string, ok bool) {
	bound := r.inboundProjects(key)
	if len(bound) == 1 {
		return bound[0], "", content, true
	}

	if p, a, rest := parseTarget(content); p != "" {
		return p, a, rest, true
	}
	if a := r.stickyAgent(key); a != nil {
		return a.Project, a.ID, content, true
	}
	if msg.AgentID != "" {
		if a, found := r.manager.Store().Get(msg.AgentID); found {
			return a.Project, a.ID, content, true
		}
	}

	if len(bound) > 1 {
		r.reply(ctx, msg, fmt.Sprintf("Multiple projects bound to this channel: %s\nUse @project message to specify.",
			strings.Join(bound, ", ")))
	} else {
		r.reply(ctx, msg, "Usage: @project message\nOr: @project:agent_id message")
	}
	return "", "", "", false
}

// deliver stages media and sends the text to an existing agent. Reports
// whether anything was sent.
func (r *Router) deliver(ctx context.Context, msg bus.InboundMessage, key chanKey, a *agent.Agent, text string) bool {
	if ref := r.stageMedia(a, msg.Media); ref != "" {
		if text != "" {
			text += "\n\n"
		}
		text += ref
	}
	if text == "" {
		return false
	}

	if err := r.manager.SendMessage(ctx, a.ID, text); err != nil {
		slog.Error("message delivery failed", "agent_id", a.ID, "error", err)
		r.reply(ctx, msg, fmt.Sprintf("Failed to send message to `%s`.", a.ID))
		return false
	}
	r.markConversation(key, a)
	return true
}

// smartRoute picks or creates an agent for the project: the most recently
// active idle agent first, a fresh spawn while under the limit, otherwise
// a busy report. Returns nil after replying when routing failed.
func (r *Router) smartRoute(ctx context.Context, msg bus.InboundMessage, project, content string) (*agent.Agent, bool) {
	agents := r.manager.Store().ListByProject(project)

	task := content
	if len(task) > spawnTaskCap {
		task = task[:spawnTaskCap]
	}

	// Reuse the most recently active idle agent.
	var idle *agent.Agent
	for _, a := range agents {
		if a.Status != agent.StatusIdle || a.Parked {
			continue
		}
		if idle == nil || a.LastActivity.After(idle.LastActivity) {
			idle = a
		}
	}
	if idle != nil {
		if err := r.manager.ClearContext(ctx, idle.ID); err != nil {
			slog.Warn("context clear before reuse failed", "agent_id", idle.ID, "error", err)
		}
		r.manager.Store().Update(idle.ID, func(a *agent.Agent) { a.Task = task })
		return idle, false
	}

	if len(agents) < r.cfg.MaxAgentsFor(project) {
		a, err := r.manager.Spawn(ctx, project, task, "")
		if err != nil {
			r.reply(ctx, msg, fmt.Sprintf("Failed to spawn agent: %v", err))
			return nil, false
		}
		return a, true
	}

	var lines []string
	for _, a := range agents {
		line := fmt.Sprintf("  [%s] %s", a.Status, a.ID)
		if a.Task != "" {
			line += " — " + a.Task
		}
		lines = append(lines, line)
	}
	r.reply(ctx, msg, fmt.Sprintf("All agents for %s are busy (%d/%d):\n%s",
		project, len(agents), r.cfg.MaxAgentsFor(project), strings.Join(lines, "\n")))
	return nil, false
}

func (r *Router) sendDelayedMediaRef(a *agent.Agent, attachments []bus.MediaAttachment) {
	ref := r.stageMedia(a, attachments)
	if ref == "" {
		return
	}
	time.Sleep(mediaRefDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.manager.SendMessage(ctx, a.ID, ref); err != nil {
		slog.Warn("media reference delivery failed", "agent_id", a.ID, "error", err)
	}
}

// stageMedia copies inbound attachments into the agent's worktree and
// returns the reference text for the agent, or "" when nothing staged.
func (r *Router) stageMedia(a *agent.Agent, attachments []bus.MediaAttachment) string {
	var staged []media.Staged
	for _, att := range attachments {
		s, err := media.Stage(a.WorktreePath, att.Path, att.FileName)
		if err != nil {
			slog.Warn("media staging failed", "agent_id", a.ID, "file", att.FileName, "error", err)
			continue
		}
		staged = append(staged, s)
		os.Remove(att.Path)
	}
	return media.BuildReference(staged)
}

// handleCallback dispatches inline-button presses ("control:<id>:<action>").
func (r *Router) handleCallback(ctx context.Context, msg bus.InboundMessage) {
	parts := strings.SplitN(msg.Content, ":", 3)
	if len(parts) != 3 || parts[0] != "control" {
		slog.Debug("unrecognized callback payload", "data", msg.Content)
		return
	}
	agentID, action := parts[1], parts[2]

	if err := r.manager.SendControl(ctx, agentID, action); err != nil {
		r.reply(ctx, msg, fmt.Sprintf("Control failed: %v", err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Sent %s to `%s`", action, agentID))
}

// stickyAgent returns the channel's sticky agent if it still exists,
// clearing the binding when the agent is gone.
func (r *Router) stickyAgent(key chanKey) *agent.Agent {
	r.mu.RLock()
	id := r.sticky[key]
	r.mu.RUnlock()
	if id == "" {
		return nil
	}

	a, ok := r.manager.Store().Get(id)
	if !ok || a.Status == agent.StatusStopped {
		r.mu.Lock()
		delete(r.sticky, key)
		r.mu.Unlock()
		return nil
	}
	return a
}

// markConversation records that this channel talks to this agent and its
// project, for sticky routing and reply fan-out.
func (r *Router) markConversation(key chanKey, a *agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky[key] = a.ID
	if r.replyChans[a.Project] == nil {
		r.replyChans[a.Project] = make(map[chanKey]bool)
	}
	r.replyChans[a.Project][key] = true
}

// inboundProjects lists projects whose bindings accept input from this channel.
func (r *Router) inboundProjects(key chanKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var projects []string
	for _, b := range r.channelMap[key] {
		cb := config.ChannelBinding{Direction: b.direction}
		if cb.Inbound() && !seen[b.project] {
			seen[b.project] = true
			projects = append(projects, b.project)
		}
	}
	sort.Strings(projects)
	return projects
}

// NotifyProject sends text to every channel bound to the project.
func (r *Router) NotifyProject(project, text string) {
	r.fanOut(project, func(ctx context.Context, c connectors.Connector, channel string) error {
		return c.SendMessage(ctx, channel, text, nil)
	})
}

// NotifyProjectRich sends text with action buttons and attachments.
func (r *Router) NotifyProjectRich(project, text string, buttons []bus.Button, attachments []bus.MediaAttachment) {
	r.fanOut(project, func(ctx context.Context, c connectors.Connector, channel string) error {
		if len(buttons) > 0 {
			if err := c.SendRich(ctx, channel, text, buttons); err != nil {
				return err
			}
			if len(attachments) > 0 {
				return c.SendMessage(ctx, channel, "", attachments)
			}
			return nil
		}
		return c.SendMessage(ctx, channel, text, attachments)
	})
}

// fanOut resolves the project's outbound recipients and invokes send for
// each. Per-recipient failures are logged, never fatal.
func (r *Router) fanOut(project string, send func(ctx context.Context, c connectors.Connector, channel string) error) {
	recipients := r.outboundChannels(project)
	if len(recipients) == 0 {
		slog.Debug("no outbound channels for project", "project", project)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range recipients {
		c, ok := r.connectors.Get(key.connector)
		if !ok || !c.IsRunning() {
			continue
		}
		if err := send(ctx, c, key.channel); err != nil {
			slog.Warn("notification delivery failed",
				"project", project, "connector", key.connector, "channel", key.channel, "error", err)
		}
	}
}

// outboundChannels lists configured outbound bindings plus reply channels
// not already covered.
func (r *Router) outboundChannels(project string) []chanKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[chanKey]bool)
	var out []chanKey
	for key, bindings := range r.channelMap {
		for _, b := range bindings {
			cb := config.ChannelBinding{Direction: b.direction}
			if b.project == project && cb.Outbound() && !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	for key := range r.replyChans[project] {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].connector != out[j].connector {
			return out[i].connector < out[j].connector
		}
		return out[i].channel < out[j].channel
	})
	return out
}

// reply sends a response back to the originating channel.
func (r *Router) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	c, ok := r.connectors.Get(msg.Connector)
	if !ok {
		return
	}
	if err := c.SendMessage(ctx, msg.ChatID, text, nil); err != nil {
		slog.Warn("reply failed", "connector", msg.Connector, "chat_id", msg.ChatID, "error", err)
	}
}

func (r *Router) rememberChat(msg bus.InboundMessage) {
	if r.db == nil || msg.ChatID == "" {
		return
	}
	err := r.db.RememberChat(store.KnownChat{
		Connector: msg.Connector,
		ChatID:    msg.ChatID,
		Title:     msg.Metadata["chat_title"],
		Kind:      msg.Metadata["chat_kind"],
	})
	if err != nil {
		slog.Debug("known chat upsert failed", "error", err)
	}
}
