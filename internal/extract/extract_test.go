package extract

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor moves", "\x1b[2Jcleared\x1b[H", "cleared"},
		{"osc title", "\x1b]0;my title\x07body", "body"},
		{"carriage returns", "line\r\n", "line\n"},
		{"plain", "nothing here", "nothing here"},
		{"private modes", "\x1b[?25lhidden\x1b[?25h", "hidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripANSI(tt.in))
		})
	}
}

func TestMeaningfulLinesDropsChrome(t *testing.T) {
	raw := strings.Join([]string{
		"╭──────────────╮",
		"│              │",
		"✻ Thinking… (3s · esc to interrupt)",
		"Actual content line",
		"",
		"  ⎿ tool continuation",
		"? 1.2k tokens · esc to interrupt",
		"Another content line",
		"╰──────────────╯",
	}, "\n")

	lines := MeaningfulLines(raw)
	assert.Equal(t, []string{"Actual content line", "Another content line"}, lines)
}

func TestPreprocessDedupsAndStripsToolBlocks(t *testing.T) {
	raw := strings.Join([]string{
		"⏺ Bash(go test ./...)",
		"  ⎿ ok github.com/x 0.2s",
		"  more tool output",
		"⏺ All tests pass now.",
		"Same line",
		"Same line",
		"Different line",
	}, "\n")

	out := Preprocess(raw)
	assert.NotContains(t, out, "go test")
	assert.NotContains(t, out, "tool output")
	assert.Contains(t, out, "All tests pass now.")
	assert.Equal(t, 1, strings.Count(out, "Same line"))
	assert.Contains(t, out, "Different line")
}

func TestPreprocessCapsLength(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString(strings.Repeat("x", 20))
		sb.WriteString("\n")
		sb.WriteString(strings.Repeat("y", 20))
		sb.WriteString("\n")
	}
	out := Preprocess(sb.String())
	assert.LessOrEqual(t, len(out), preprocessCap)
}

func TestFallbackExtractPrefersResponseBlock(t *testing.T) {
	cleaned := strings.Join([]string{
		"⏺ Bash(make build)",
		"⏺ I fixed the login bug.",
		"The session now persists across restarts.",
		"",
		"trailing prompt",
	}, "\n")

	got := FallbackExtract(cleaned)
	assert.Equal(t, "I fixed the login bug.\nThe session now persists across restarts.", got)
}

func TestFallbackExtractTailWhenNoBlock(t *testing.T) {
	var lines []string
	for i := 0; i < 80; i++ {
		lines = append(lines, "line")
	}
	lines = append(lines, strings.Repeat("z", 300))

	got := FallbackExtract(strings.Join(lines, "\n"))
	outLines := strings.Split(got, "\n")
	require.LessOrEqual(t, len(outLines), fallbackMaxLines)
	// Long lines are truncated per line.
	last := outLines[len(outLines)-1]
	assert.LessOrEqual(t, len([]rune(last)), fallbackLineCap+1)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"text":"hi"}`, stripFences("```json\n{\"text\":\"hi\"}\n```"))
	assert.Equal(t, `{"text":"hi"}`, stripFences("{\"text\":\"hi\"}"))
}

func TestReadSegment(t *testing.T) {
	path := t.TempDir() + "/out.log"

	seg, off, err := ReadSegment(path, 0)
	require.NoError(t, err)
	assert.Empty(t, seg)
	assert.EqualValues(t, 0, off)

	require.NoError(t, writeFile(path, "hello world"))
	seg, off, err = ReadSegment(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", seg)
	assert.EqualValues(t, 11, off)

	require.NoError(t, writeFile(path, "hello world, more"))
	seg, off, err = ReadSegment(path, off)
	require.NoError(t, err)
	assert.Equal(t, ", more", seg)
	assert.EqualValues(t, 17, off)

	// Truncated log restarts from zero.
	require.NoError(t, writeFile(path, "new"))
	seg, _, err = ReadSegment(path, off)
	require.NoError(t, err)
	assert.Equal(t, "new", seg)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
