package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentforge/forge/internal/config"
)

// ContextFileName is the agent instruction file written at the worktree root.
const ContextFileName = "CLAUDE.md"

// writeContextFile composes the layered instruction file for a new agent.
// A CLAUDE.md already present in the worktree is kept, appended after the
// generated section under a separator.
func (m *Manager) writeContextFile(wtPath, projectName string, project config.Project, profile config.Profile) error {
	content := ComposeContext(m.cfg.Defaults.GlobalContext, project, profile, config.ExpandHome(project.Path))
	if content == "" {
		return nil
	}

	path := filepath.Join(wtPath, ContextFileName)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", ContextFileName, err)
	}
	if prior := strings.TrimSpace(string(existing)); prior != "" {
		content = content + "\n\n---\n\n" + prior
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", ContextFileName, err)
	}
	slog.Debug("context file written", "project", projectName, "bytes", len(content))
	return nil
}

// ComposeContext layers instruction sources in order: global, project,
// profile, then each project context file under a "## <relpath>" heading.
// Empty layers are skipped; unreadable context files are skipped with a
// warning.
func ComposeContext(global string, project config.Project, profile config.Profile, repoPath string) string {
	var layers []string

	if s := strings.TrimSpace(global); s != "" {
		layers = append(layers, s)
	}
	if s := strings.TrimSpace(project.Context); s != "" {
		layers = append(layers, s)
	}
	if s := strings.TrimSpace(profile.Context); s != "" {
		layers = append(layers, s)
	}

	for _, rel := range project.ContextFiles {
		data, err := os.ReadFile(filepath.Join(repoPath, rel))
		if err != nil {
			slog.Warn("context file unreadable, skipping", "file", rel, "error", err)
			continue
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			continue
		}
		layers = append(layers, fmt.Sprintf("## %s\n\n%s", rel, body))
	}

	return strings.Join(layers, "\n\n")
}
