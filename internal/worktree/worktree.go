// Package worktree manages git worktrees and branches for agent workspaces.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

var (
	invalidSlugChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	dashRuns         = regexp.MustCompile(`-{2,}`)
)

// Slugify turns free text into a branch-safe slug: lowercase, invalid runes
// collapsed to single dashes, trimmed, at most 50 chars. Empty input
// falls back to "task". Idempotent.
func Slugify(text string) string {
	slug := strings.ToLower(strings.TrimSpace(text))
	slug = invalidSlugChars.ReplaceAllString(slug, "-")
	slug = dashRuns.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

func git(ctx context.Context, repo string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	full := append([]string{"-C", repo}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Add creates a new worktree at path with a fresh branch off baseBranch.
func Add(ctx context.Context, repo, branch, path, baseBranch string) error {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := git(ctx, repo, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return fmt.Errorf("add worktree %s: %w", path, err)
	}
	return nil
}

// Remove force-removes a worktree. When git refuses (dirty tree, locked),
// the directory is removed directly and the worktree list pruned.
func Remove(ctx context.Context, repo, path string) error {
	if err := git(ctx, repo, "worktree", "remove", "--force", path); err == nil {
		return nil
	}

	slog.Warn("git worktree remove failed, falling back to direct removal", "path", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree dir %s: %w", path, err)
	}
	if err := git(ctx, repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// DeleteBranch force-deletes a branch.
func DeleteBranch(ctx context.Context, repo, branch string) error {
	if err := git(ctx, repo, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}
