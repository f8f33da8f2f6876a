// Package monitor watches agent terminals, classifies their status, and
// drives notifications and response relays.
package monitor

import (
	"regexp"
	"strings"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/extract"
)

// statusTailWindow is how much of the capture the input-prompt patterns see.
const statusTailWindow = 2000

// inputPatterns mark interactive prompts awaiting a user decision.
var inputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bAllow\b`),
	regexp.MustCompile(`\bY/n\b`),
	regexp.MustCompile(`\by/N\b`),
	regexp.MustCompile(`(?i)\byes/no\b`),
	regexp.MustCompile(`(?i)\bDo you want\b`),
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)\(y/n\)`),
}

// errorPatterns mark failures surfaced in the terminal.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bError:`),
	regexp.MustCompile(`(?i)\bfatal:`),
	regexp.MustCompile(`\bFAILED\b`),
}

// idlePromptPatterns match a shell or agent input prompt ending the last line.
var idlePromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[>❯]\s*$`),
	regexp.MustCompile(`\$\s*$`),
}

// DetectStatus classifies terminal output. Priority: waiting for input,
// error, idle prompt, changed output (working), unchanged (idle).
func DetectStatus(current, previous string) agent.Status {
	stripped := extract.StripANSI(current)

	tail := stripped
	if len(tail) > statusTailWindow {
		tail = tail[len(tail)-statusTailWindow:]
	}
	for _, p := range inputPatterns {
		if p.MatchString(tail) {
			return agent.StatusWaitingInput
		}
	}
	for _, p := range errorPatterns {
		if p.MatchString(tail) {
			return agent.StatusError
		}
	}

	if line, ok := lastNonEmptyLine(stripped); ok {
		for _, p := range idlePromptPatterns {
			if p.MatchString(line) {
				return agent.StatusIdle
			}
		}
	}

	if current != previous {
		return agent.StatusWorking
	}
	return agent.StatusIdle
}

func lastNonEmptyLine(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimRight(lines[i], " \t"), true
		}
	}
	return "", false
}

// promptContextLines is how many lines of context a waiting-input
// notification carries.
const promptContextLines = 3

// promptSearchWindow is how far back the prompt search scans.
const promptSearchWindow = 30

// PromptContext finds the interactive prompt in recent output and returns
// up to three cleaned lines of surrounding context.
func PromptContext(output string) []string {
	lines := strings.Split(extract.StripANSI(output), "\n")
	start := len(lines) - promptSearchWindow
	if start < 0 {
		start = 0
	}

	promptAt := -1
	for i := len(lines) - 1; i >= start; i-- {
		for _, p := range inputPatterns {
			if p.MatchString(lines[i]) {
				promptAt = i
				break
			}
		}
		if promptAt >= 0 {
			break
		}
	}
	if promptAt < 0 {
		return nil
	}

	var context []string
	for i := promptAt; i < len(lines) && len(context) < promptContextLines; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		context = append(context, line)
	}
	return context
}
