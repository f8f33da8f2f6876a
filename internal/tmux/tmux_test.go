package tmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	// sh is on PATH everywhere this runs.
	assert.NoError(t, NewDriver("sh").Available())

	err := NewDriver("no-such-binary-for-sure").Available()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmux not found")
}

func TestParseSessionList(t *testing.T) {
	out := "forge__api__a1b2c3|1756000000|0|120|40\n" +
		"forge__web__d4e5f6|1756000100|1|80|24\n"

	sessions := parseSessionList(out)
	require.Len(t, sessions, 2)

	assert.Equal(t, "forge__api__a1b2c3", sessions[0].Name)
	assert.Equal(t, time.Unix(1756000000, 0), sessions[0].Created)
	assert.False(t, sessions[0].Attached)
	assert.Equal(t, 120, sessions[0].Width)
	assert.Equal(t, 40, sessions[0].Height)

	assert.True(t, sessions[1].Attached)
}

func TestParseSessionListSkipsMalformed(t *testing.T) {
	out := "good|1756000000|0|80|24\nbad-line\nalso|bad\n"
	sessions := parseSessionList(out)
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].Name)
}

func TestParseSessionListEmpty(t *testing.T) {
	assert.Empty(t, parseSessionList(""))
	assert.Empty(t, parseSessionList("\n\n"))
}

func TestReadyPatterns(t *testing.T) {
	tests := []struct {
		name   string
		output string
		ready  bool
	}{
		{"prompt mid-line", "some output\n> still typing", false},
		{"prompt line", "some output\n>\n", true},
		{"prompt with trailing space", "done\n> \n", true},
		{"box border", "╭────────╮\n│ ready  │\n", true},
		{"greeting", "What would you like to do?\n", true},
		{"still working", "Compiling...\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := false
			for _, p := range readyPatterns {
				if p.MatchString(tt.output) {
					matched = true
					break
				}
			}
			assert.Equal(t, tt.ready, matched)
		})
	}
}
