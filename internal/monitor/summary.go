package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/extract"
	"github.com/agentforge/forge/internal/llm"
)

const (
	summaryTimeout  = 10 * time.Second
	summaryMaxLines = 15
	summaryLineCap  = 120
)

const summarySystemPrompt = `Summarize what a coding agent is currently doing based on its recent terminal output.
One or two short sentences, present tense, no preamble. If nothing meaningful is happening, say "No recent activity."`

// Summarizer produces one-line activity summaries for notifications.
type Summarizer struct {
	llm *llm.Client
	cfg config.SummaryConfig
}

// NewSummarizer creates a summarizer; client may be nil or disabled.
func NewSummarizer(client *llm.Client, cfg config.SummaryConfig) *Summarizer {
	return &Summarizer{llm: client, cfg: cfg}
}

// Summarize condenses recent terminal output. The LLM path is used when
// configured; any failure falls back to the tail of the cleaned output.
func (s *Summarizer) Summarize(ctx context.Context, output string) string {
	if s.cfg.Enabled && s.llm != nil && s.llm.Enabled() {
		ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
		defer cancel()

		maxTokens := s.cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 150
		}
		prompt := extract.Preprocess(output)
		if strings.TrimSpace(prompt) != "" {
			summary, err := s.llm.Complete(ctx, s.cfg.Model, summarySystemPrompt, prompt, maxTokens)
			if err == nil {
				return strings.TrimSpace(summary)
			}
			slog.Debug("llm summary failed, using fallback", "error", err)
		}
	}
	return fallbackSummary(output)
}

// fallbackSummary returns the last meaningful lines of output, each capped.
func fallbackSummary(output string) string {
	lines := extract.MeaningfulLines(output)
	if len(lines) > summaryMaxLines {
		lines = lines[len(lines)-summaryMaxLines:]
	}
	for i, line := range lines {
		runes := []rune(strings.TrimSpace(line))
		if len(runes) > summaryLineCap {
			lines[i] = string(runes[:summaryLineCap]) + "…"
		} else {
			lines[i] = strings.TrimSpace(line)
		}
	}
	return strings.Join(lines, "\n")
}
