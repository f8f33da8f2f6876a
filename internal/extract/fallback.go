package extract

import "strings"

const (
	fallbackMaxLines = 50
	fallbackLineCap  = 200
)

// FallbackExtract recovers a response without an LLM. It prefers the text
// of the final response block (a "⏺" marker not followed by a tool call);
// otherwise it returns the last meaningful lines of the cleaned segment.
func FallbackExtract(cleaned string) string {
	lines := strings.Split(cleaned, "\n")

	// Find the last ⏺ line that is plain text, not a tool invocation.
	blockStart := -1
	for i, line := range lines {
		s := strings.TrimSpace(line)
		if !strings.HasPrefix(s, "⏺") {
			continue
		}
		if toolCallRe.MatchString(s) {
			continue
		}
		blockStart = i
	}

	if blockStart >= 0 {
		var block []string
		first := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[blockStart]), "⏺"))
		if first != "" {
			block = append(block, first)
		}
		for _, line := range lines[blockStart+1:] {
			s := strings.TrimSpace(line)
			if s == "" || strings.HasPrefix(s, "⏺") {
				break
			}
			block = append(block, s)
		}
		if text := strings.TrimSpace(strings.Join(block, "\n")); text != "" {
			return text
		}
	}

	// No response block: fall back to the tail of the transcript.
	var meaningful []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		meaningful = append(meaningful, truncateLine(line, fallbackLineCap))
	}
	if len(meaningful) > fallbackMaxLines {
		meaningful = meaningful[len(meaningful)-fallbackMaxLines:]
	}
	return strings.TrimSpace(strings.Join(meaningful, "\n"))
}

func truncateLine(line string, max int) string {
	runes := []rune(line)
	if len(runes) <= max {
		return line
	}
	return string(runes[:max]) + "…"
}
