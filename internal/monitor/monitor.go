package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/extract"
	"github.com/agentforge/forge/internal/media"
	"github.com/agentforge/forge/internal/tmux"
)

// captureLines is the scrollback depth per poll.
const captureLines = 5000

// controlHint is appended to waiting-input notifications for platforms
// without inline buttons.
const controlHint = "Reply: /approve | /reject | /interrupt"

// Notifier fans notifications out to a project's bound chat channels.
// Implemented by the router.
type Notifier interface {
	NotifyProject(project, text string)
	NotifyProjectRich(project, text string, buttons []bus.Button, attachments []bus.MediaAttachment)
}

// Monitor polls agent terminals and reacts to status transitions.
type Monitor struct {
	manager    *agent.Manager
	notifier   Notifier
	extractor  *extract.Extractor
	summarizer *Summarizer
	broadcast  bus.Broadcaster
	interval   time.Duration

	// Sessions already resized to the wide geometry this process run.
	// Touched only from the poll loop.
	resized map[string]bool
}

// New creates a Monitor. notifier may be nil (no chat notifications).
func New(manager *agent.Manager, notifier Notifier, extractor *extract.Extractor, summarizer *Summarizer, broadcast bus.Broadcaster, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if broadcast == nil {
		broadcast = bus.NopBroadcaster{}
	}
	return &Monitor{
		manager:    manager,
		notifier:   notifier,
		extractor:  extractor,
		summarizer: summarizer,
		broadcast:  broadcast,
		interval:   interval,
		resized:    make(map[string]bool),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("status monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("status monitor stopped")
			return
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

func (m *Monitor) pollAll(ctx context.Context) {
	for _, a := range m.manager.Store().List() {
		if a.Status == agent.StatusStopped {
			continue
		}
		m.pollAgent(ctx, a)
	}
}

func (m *Monitor) pollAgent(ctx context.Context, a *agent.Agent) {
	driver := m.manager.Tmux()

	if !driver.SessionExists(ctx, a.SessionName) {
		m.handleSessionGone(ctx, a)
		return
	}

	// Recovered sessions may still carry a narrow pre-restart geometry.
	if !m.resized[a.SessionName] {
		m.resized[a.SessionName] = true
		if err := driver.ResizeWindow(ctx, a.SessionName, tmux.PaneWidth, tmux.PaneHeight); err != nil {
			slog.Debug("window resize failed", "agent_id", a.ID, "error", err)
		}
	}

	output, err := driver.CapturePane(ctx, a.SessionName, captureLines)
	if err != nil {
		slog.Warn("capture failed", "agent_id", a.ID, "error", err)
		return
	}

	previous := a.LastOutput
	oldStatus := a.Status
	newStatus := DetectStatus(output, previous)

	changed := output != previous
	m.manager.Store().Update(a.ID, func(a *agent.Agent) {
		a.LastOutput = output
		if changed {
			a.LastActivity = time.Now()
		}
	})

	if newStatus != oldStatus {
		m.handleTransition(ctx, a, oldStatus, newStatus, output)
	}

	m.manager.SaveSnapshot(a.ID)
	m.manager.BroadcastAgent(a)
	m.broadcast.Broadcast(bus.Frame{
		Type:      "terminal_output",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"agent_id": a.ID,
			"output":   tail(extract.StripANSI(output), 2000),
		},
	})
}

// handleSessionGone marks an agent stopped and delivers whatever it last
// produced: a relayed response when it was mid-task, a summary otherwise.
func (m *Monitor) handleSessionGone(ctx context.Context, a *agent.Agent) {
	wasWorking := a.Status == agent.StatusWorking
	oldStatus := a.Status

	m.manager.Store().Update(a.ID, func(a *agent.Agent) {
		a.Status = agent.StatusStopped
		a.NeedsAttention = true
		a.Parked = false
	})
	m.manager.RecordEvent(a.ID, a.Project, "status_change", map[string]string{
		"from": string(oldStatus), "to": string(agent.StatusStopped),
	})

	if wasWorking {
		m.relayResponse(ctx, a)
	} else if m.notifier != nil {
		text := fmt.Sprintf("Agent `%s` (%s): session ended", a.ID, a.Project)
		if summary := m.summarizer.Summarize(ctx, a.LastOutput); summary != "" {
			text += "\n\n" + summary
		}
		m.notifier.NotifyProject(a.Project, text)
	}

	m.manager.SaveSnapshot(a.ID)
	m.manager.BroadcastAgent(a)
	slog.Info("agent session gone", "agent_id", a.ID, "project", a.Project)
}

func (m *Monitor) handleTransition(ctx context.Context, a *agent.Agent, from, to agent.Status, output string) {
	m.manager.Store().Update(a.ID, func(a *agent.Agent) {
		a.Status = to
		switch to {
		case agent.StatusIdle, agent.StatusWaitingInput, agent.StatusError:
			a.NeedsAttention = true
			a.Parked = false
		case agent.StatusWorking:
			a.NeedsAttention = false
		}
	})
	m.manager.RecordEvent(a.ID, a.Project, "status_change", map[string]string{
		"from": string(from), "to": string(to),
	})
	slog.Info("agent status changed", "agent_id", a.ID, "from", from, "to", to)

	if m.notifier == nil {
		return
	}

	switch {
	case to == agent.StatusWaitingInput:
		m.notifyWaitingInput(a, output)

	case from == agent.StatusWorking && to == agent.StatusIdle:
		m.relayResponse(ctx, a)

	default:
		text := fmt.Sprintf("Agent `%s` (%s): %s -> %s", a.ID, a.Project, from, to)
		if to == agent.StatusError || to == agent.StatusIdle {
			if summary := m.summarizer.Summarize(ctx, output); summary != "" {
				text += "\n\n" + summary
			}
		}
		m.notifier.NotifyProject(a.Project, text)
	}
}

// notifyWaitingInput sends a rich prompt notification with the question's
// context and approve/reject/interrupt actions.
func (m *Monitor) notifyWaitingInput(a *agent.Agent, output string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent `%s` (%s) is waiting for input", a.ID, a.Project)
	if context := PromptContext(output); len(context) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(context, "\n"))
	}
	sb.WriteString("\n\n")
	sb.WriteString(controlHint)

	buttons := []bus.Button{
		{Label: "Approve", Data: "control:" + a.ID + ":approve"},
		{Label: "Reject", Data: "control:" + a.ID + ":reject"},
		{Label: "Interrupt", Data: "control:" + a.ID + ":interrupt"},
	}
	m.notifier.NotifyProjectRich(a.Project, sb.String(), buttons, nil)
}

// relayResponse extracts the agent's reply from the pipe log and fans it
// out. Responses identical to the previous relay are suppressed.
func (m *Monitor) relayResponse(ctx context.Context, a *agent.Agent) {
	segment, newOffset, err := extract.ReadSegment(agent.PipeLogPath(a), a.RelayOffset)
	if err != nil {
		slog.Warn("pipe log read failed", "agent_id", a.ID, "error", err)
		return
	}
	m.manager.Store().Update(a.ID, func(a *agent.Agent) { a.RelayOffset = newOffset })

	if strings.TrimSpace(segment) == "" {
		return
	}

	resp := m.extractor.Extract(ctx, segment)
	if strings.TrimSpace(resp.Text) == "" {
		return
	}
	if resp.Text == a.LastResponse {
		slog.Debug("duplicate response suppressed", "agent_id", a.ID)
		return
	}

	m.manager.Store().Update(a.ID, func(a *agent.Agent) { a.LastResponse = resp.Text })
	m.manager.RecordEvent(a.ID, a.Project, "response_relayed", map[string]int{"chars": len(resp.Text)})

	text := fmt.Sprintf("Agent `%s` (%s):\n\n%s", a.ID, a.Project, resp.Text)
	if m.notifier != nil {
		m.notifier.NotifyProjectRich(a.Project, text, nil, m.resolveFiles(a, resp.Files))
	}
	m.manager.SaveSnapshot(a.ID)
}

// resolveFiles maps extractor-reported file paths to attachments, keeping
// only files that exist under the agent's media directory.
func (m *Monitor) resolveFiles(a *agent.Agent, files []string) []bus.MediaAttachment {
	var attachments []bus.MediaAttachment
	for _, rel := range files {
		rel = filepath.Clean(strings.TrimPrefix(rel, "./"))
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			continue
		}
		if !strings.HasPrefix(rel, media.Dir) {
			rel = filepath.Join(media.Dir, rel)
		}
		abs := filepath.Join(a.WorktreePath, rel)
		if !fileExists(abs) {
			continue
		}
		attachments = append(attachments, bus.MediaAttachment{
			Path:     abs,
			FileName: filepath.Base(abs),
		})
	}
	return attachments
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
