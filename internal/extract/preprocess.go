// Package extract turns raw terminal scrollback into relay-ready responses.
package extract

import (
	"regexp"
	"strings"
)

// ansiRe matches CSI sequences, OSC sequences (BEL or ST terminated),
// charset selection, and remaining single-char escapes.
var ansiRe = regexp.MustCompile(
	`\x1b\[[0-9;?]*[ -/]*[@-~]` +
		`|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)` +
		`|\x1b[()][A-Za-z0-9]` +
		`|\x1b[@-Z\\-_]`,
)

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// spinner frames and TUI chrome that carry no information.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[\s╭╮╰╯│┃├┤┬┴┼─━═║╔╗╚╝>❯$#]*$`),
	regexp.MustCompile(`^[\s─━═=~_*-]{6,}$`),
	regexp.MustCompile(`^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏⣾⣽⣻⢿⡿⣟⣯⣷]`),
	regexp.MustCompile(`^\s*[✢✣✤✥✦✧✳✶✻✽✾✿*·]+\s`),
	regexp.MustCompile(`^\s*⏵`),
	regexp.MustCompile(`^\s*⎿`),
	regexp.MustCompile(`(?i)\(esc to interrupt\)`),
	regexp.MustCompile(`(?i)\btokens\b.*(?:[·⋅]|esc)`),
	regexp.MustCompile(`\bChannelling\b`),
	regexp.MustCompile(`^\s*\w+(…|\.{3})\s*$`),
	regexp.MustCompile(`^\s*·\s+\S+…\s*$`),
	regexp.MustCompile(`^\s*[·.…↑↓←→]+\s*$`),
	regexp.MustCompile(`^\s*\d+%\s*$`),
}

// isNoise reports whether an ANSI-stripped line is TUI chrome.
func isNoise(line string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// MeaningfulLines strips ANSI codes and drops chrome, returning the
// trimmed content lines in order.
func MeaningfulLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" || isNoise(trimmed) {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}

// toolCallRe matches the start of a tool invocation block, e.g. "⏺ Bash(ls)".
var toolCallRe = regexp.MustCompile(`^⏺\s*\w+\(`)

// preprocessCap keeps only the tail of very long transcripts.
const preprocessCap = 10000

// Preprocess cleans a raw pipe-log segment for the extractor: ANSI
// stripped, chrome and tool-invocation blocks removed, consecutive
// duplicate lines collapsed, capped to the final 10K chars.
func Preprocess(raw string) string {
	var (
		kept       []string
		prev       string
		inToolCall bool
	)
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		trimmed := strings.TrimRight(line, " \t")

		if toolCallRe.MatchString(strings.TrimSpace(trimmed)) {
			inToolCall = true
			continue
		}
		if inToolCall {
			// Tool output continues in indented / ⎿ lines until a new
			// marker or an unindented line appears.
			s := strings.TrimSpace(trimmed)
			if s == "" || strings.HasPrefix(s, "⎿") || strings.HasPrefix(trimmed, "  ") {
				continue
			}
			inToolCall = false
		}

		if strings.TrimSpace(trimmed) == "" || isNoise(trimmed) {
			continue
		}
		if trimmed == prev {
			continue
		}
		prev = trimmed
		kept = append(kept, trimmed)
	}

	out := strings.Join(kept, "\n")
	if len(out) > preprocessCap {
		out = out[len(out)-preprocessCap:]
	}
	return out
}
