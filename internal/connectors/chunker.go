package connectors

import (
	"fmt"
	"strings"
)

// indicatorReserve is space held back for the " [i/N]" suffix.
const indicatorReserve = 8

// Chunk splits text to fit limit, preferring paragraph breaks, then line
// breaks, then sentence ends, hard-cutting as a last resort. When the text
// needs more than one chunk, each carries a " [i/N]" suffix.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	budget := limit - indicatorReserve
	if budget < 1 {
		budget = limit
	}

	var chunks []string
	rest := text
	for len(rest) > budget {
		cut := splitPoint(rest, budget)
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n "))
		rest = strings.TrimLeft(rest[cut:], "\n ")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}

	if len(chunks) > 1 {
		for i := range chunks {
			chunks[i] = fmt.Sprintf("%s [%d/%d]", chunks[i], i+1, len(chunks))
		}
	}
	return chunks
}

// splitPoint finds where to cut a chunk within budget. A candidate break
// is only taken when it lands past a quarter of the budget, so chunks do
// not degenerate into slivers.
func splitPoint(text string, budget int) int {
	window := text[:budget]
	minCut := budget / 4

	for _, sep := range []string{"\n\n", "\n", ". "} {
		if idx := strings.LastIndex(window, sep); idx > minCut {
			return idx + len(sep)
		}
	}
	return budget
}
