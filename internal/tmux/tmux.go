// Package tmux wraps the tmux binary for detached agent session control.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// Wide geometry for agent sessions. TUI agents reflow long lines badly
// at the default 80 columns.
const (
	PaneWidth  = 250
	PaneHeight = 50
)

// historyLimit is the scrollback depth configured for agent sessions.
const historyLimit = 50000

// sessionFormat is the list-sessions format string; fields are pipe-separated.
const sessionFormat = "#{session_name}|#{session_created}|#{session_attached}|#{session_width}|#{session_height}"

// SessionInfo describes one live tmux session.
type SessionInfo struct {
	Name     string
	Created  time.Time
	Attached bool
	Width    int
	Height   int
}

// Driver executes tmux commands with a per-command timeout.
type Driver struct {
	binary string
}

// NewDriver creates a Driver using the given tmux binary name or path.
// Empty means "tmux" from PATH.
func NewDriver(binary string) *Driver {
	if binary == "" {
		binary = "tmux"
	}
	return &Driver{binary: binary}
}

// Available reports whether the tmux binary can be found.
func (d *Driver) Available() error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateSession starts a detached session running command in workdir.
// history-limit only applies to panes created after it is set, so it is
// raised globally first.
func (d *Driver) CreateSession(ctx context.Context, name, workdir, command string) error {
	if _, err := d.run(ctx, "set-option", "-g", "history-limit", strconv.Itoa(historyLimit)); err != nil {
		slog.Debug("history-limit set failed", "error", err)
	}
	_, err := d.run(ctx, "new-session", "-d", "-s", name,
		"-x", strconv.Itoa(PaneWidth), "-y", strconv.Itoa(PaneHeight),
		"-c", workdir, command)
	if err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	return nil
}

// ResizeWindow forces the session's window to the given geometry.
func (d *Driver) ResizeWindow(ctx context.Context, name string, width, height int) error {
	_, err := d.run(ctx, "resize-window", "-t", name,
		"-x", strconv.Itoa(width), "-y", strconv.Itoa(height))
	if err != nil {
		return fmt.Errorf("resize window %s: %w", name, err)
	}
	return nil
}

// SessionExists reports whether a session with the given name is alive.
func (d *Driver) SessionExists(ctx context.Context, name string) bool {
	_, err := d.run(ctx, "has-session", "-t", name)
	return err == nil
}

// KillSession terminates a session.
func (d *Driver) KillSession(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

// CapturePane returns the last lines of scrollback, ANSI sequences included.
func (d *Driver) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	out, err := d.run(ctx, "capture-pane", "-p", "-e", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", name, err)
	}
	return out, nil
}

// SendText types text into the session, then presses Enter twice. The
// first Enter closes the input line, the second submits the prompt.
// Multi-line text goes through a paste buffer as one bracketed-paste unit
// so embedded newlines do not submit intermediate lines.
func (d *Driver) SendText(ctx context.Context, name, text string) error {
	if strings.Contains(text, "\n") {
		if _, err := d.run(ctx, "set-buffer", "-b", "forge", "--", text); err != nil {
			return fmt.Errorf("set buffer for %s: %w", name, err)
		}
		if _, err := d.run(ctx, "paste-buffer", "-t", name, "-b", "forge", "-d", "-p"); err != nil {
			return fmt.Errorf("paste text to %s: %w", name, err)
		}
	} else if _, err := d.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("send text to %s: %w", name, err)
	}
	for i := 0; i < 2; i++ {
		time.Sleep(300 * time.Millisecond)
		if _, err := d.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
			return fmt.Errorf("send enter to %s: %w", name, err)
		}
	}
	return nil
}

// SendKeys sends raw key names (Enter, Escape, C-c, Up, Down), one at a time.
func (d *Driver) SendKeys(ctx context.Context, name string, keys ...string) error {
	for _, key := range keys {
		if _, err := d.run(ctx, "send-keys", "-t", name, key); err != nil {
			return fmt.Errorf("send key %s to %s: %w", key, name, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// EnablePipe appends all pane output to the given file.
func (d *Driver) EnablePipe(ctx context.Context, name, path string) error {
	target := fmt.Sprintf("cat >> %s", path)
	if _, err := d.run(ctx, "pipe-pane", "-o", "-t", name, target); err != nil {
		return fmt.Errorf("enable pipe for %s: %w", name, err)
	}
	return nil
}

// DisablePipe stops piping pane output.
func (d *Driver) DisablePipe(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "pipe-pane", "-t", name); err != nil {
		return fmt.Errorf("disable pipe for %s: %w", name, err)
	}
	return nil
}

// ListSessions returns all live sessions. No server running is not an error.
func (d *Driver) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := d.run(ctx, "list-sessions", "-F", sessionFormat)
	if err != nil {
		// tmux exits non-zero when no server / no sessions exist.
		if strings.Contains(out, "no server running") || strings.Contains(out, "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return parseSessionList(out), nil
}

// parseSessionList parses list-sessions output in sessionFormat.
// Malformed lines are skipped.
func parseSessionList(out string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 5 {
			continue
		}
		created, _ := strconv.ParseInt(parts[1], 10, 64)
		width, _ := strconv.Atoi(parts[3])
		height, _ := strconv.Atoi(parts[4])
		sessions = append(sessions, SessionInfo{
			Name:     parts[0],
			Created:  time.Unix(created, 0),
			Attached: parts[2] != "0",
			Width:    width,
			Height:   height,
		})
	}
	return sessions
}

// PanePID returns the PID of the session's first pane process.
func (d *Driver) PanePID(ctx context.Context, name string) (int, error) {
	out, err := d.run(ctx, "list-panes", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("pane pid for %s: %w", name, err)
	}
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", first, err)
	}
	return pid, nil
}

var readyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^>\s*$`),
	regexp.MustCompile(`╭─`),
	regexp.MustCompile(`What would you`),
}

// WaitForIdle polls the pane until a ready prompt appears or the timeout
// elapses. Agents print an input prompt once startup is done.
func (d *Driver) WaitForIdle(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		out, err := d.CapturePane(ctx, name, 50)
		if err != nil {
			slog.Debug("wait-for-idle capture failed", "session", name, "error", err)
		} else {
			for _, pattern := range readyPatterns {
				if pattern.MatchString(out) {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("session %s did not become idle within %s", name, timeout)
}
