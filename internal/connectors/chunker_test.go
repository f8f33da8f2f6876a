package connectors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortTextUntouched(t *testing.T) {
	chunks := Chunk("short message", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short message", chunks[0])
	assert.NotContains(t, chunks[0], "[1/1]")
}

func TestChunkRespectsLimit(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := Chunk(text, 200)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 200, "chunk %d", i)
	}
}

func TestChunkIndicators(t *testing.T) {
	text := strings.Repeat("x", 150) + "\n\n" + strings.Repeat("y", 150)
	chunks := Chunk(text, 100)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.True(t, strings.HasSuffix(c, fmt.Sprintf(" [%d/%d]", i+1, len(chunks))), "chunk %d: %q", i, c)
	}
}

func TestChunkPrefersParagraphBreaks(t *testing.T) {
	para1 := strings.Repeat("a", 60)
	para2 := strings.Repeat("b", 60)
	chunks := Chunk(para1+"\n\n"+para2, 100)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], para1))
	assert.True(t, strings.HasPrefix(chunks[1], para2))
}

func TestChunkPrefersSentences(t *testing.T) {
	sentence := strings.Repeat("c", 60) + ". "
	text := sentence + strings.Repeat("d", 80)
	chunks := Chunk(text, 100)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1], "d"), "second chunk starts after the sentence: %q", chunks[1])
}

func TestChunkIgnoresEarlyBreaks(t *testing.T) {
	// A newline in the first quarter is not a useful split point.
	text := "ab\n" + strings.Repeat("e", 300)
	chunks := Chunk(text, 100)
	require.Greater(t, len(chunks), 1)
	// First chunk is a hard cut near the budget, not just "ab".
	assert.Greater(t, len(chunks[0]), 20)
}

func TestChunkReconstruction(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	chunks := Chunk(text, 120)

	var rebuilt strings.Builder
	for i, c := range chunks {
		c = strings.TrimSuffix(c, fmt.Sprintf(" [%d/%d]", i+1, len(chunks)))
		rebuilt.WriteString(c)
		rebuilt.WriteString(" ")
	}
	// Whitespace collapses at chunk boundaries; content order is preserved.
	assert.Equal(t,
		strings.Fields(text),
		strings.Fields(rebuilt.String()),
	)
}
