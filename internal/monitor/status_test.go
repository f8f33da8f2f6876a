package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentforge/forge/internal/agent"
)

func TestDetectStatusPriority(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		previous string
		want     agent.Status
	}{
		{
			name:    "waiting input beats everything",
			current: "Error: something\nDo you want to proceed? (y/n)",
			want:    agent.StatusWaitingInput,
		},
		{
			name:    "allow prompt",
			current: "Allow Bash to run `rm -rf build`?",
			want:    agent.StatusWaitingInput,
		},
		{
			name:    "yes-no bracket prompt",
			current: "Overwrite? [Y/N]",
			want:    agent.StatusWaitingInput,
		},
		{
			name:    "error beats idle",
			current: "fatal: not a git repository\n> ",
			want:    agent.StatusError,
		},
		{
			name:    "uppercase FAILED",
			current: "test run FAILED\nsomething else",
			want:    agent.StatusError,
		},
		{
			name:    "failed lowercase is not an error",
			current: "3 tests failed earlier, rerunning\noutput continues here",
			// changed output → working
			previous: "different",
			want:     agent.StatusWorking,
		},
		{
			name:    "idle prompt",
			current: "done with the task\n❯\n",
			want:    agent.StatusIdle,
		},
		{
			name:    "shell prompt",
			current: "build complete\n$ \n",
			want:    agent.StatusIdle,
		},
		{
			name:    "prompt at end of a nonempty line",
			current: "build complete\nuser@host:~/app$ \n",
			want:    agent.StatusIdle,
		},
		{
			name:     "changed output means working",
			current:  "compiling module a",
			previous: "starting up",
			want:     agent.StatusWorking,
		},
		{
			name:     "unchanged output means idle",
			current:  "same screen",
			previous: "same screen",
			want:     agent.StatusIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectStatus(tt.current, tt.previous))
		})
	}
}

func TestDetectStatusOnlyScansTail(t *testing.T) {
	// An input prompt buried more than 2000 chars ago must not trigger.
	old := "Do you want to proceed? (y/n)\n"
	padding := strings.Repeat("x\n", 1500)
	current := old + padding

	got := DetectStatus(current, current)
	assert.Equal(t, agent.StatusIdle, got)
}

func TestDetectStatusStripsANSI(t *testing.T) {
	current := "task done\n\x1b[32m❯\x1b[0m \n"
	assert.Equal(t, agent.StatusIdle, DetectStatus(current, "other"))
}

func TestPromptContext(t *testing.T) {
	output := strings.Join([]string{
		"some earlier output",
		"Claude wants to run: rm -rf build",
		"Do you want to proceed?",
		"  1. Yes",
		"  2. No",
	}, "\n")

	context := PromptContext(output)
	assert.Equal(t, []string{"Do you want to proceed?", "1. Yes", "2. No"}, context)
}

func TestPromptContextNoPrompt(t *testing.T) {
	assert.Nil(t, PromptContext("just regular output\nnothing interactive"))
}

func TestPromptContextSearchWindow(t *testing.T) {
	lines := []string{"Do you want to proceed?"}
	for i := 0; i < 40; i++ {
		lines = append(lines, "filler")
	}
	// Prompt is 40 lines back, outside the 30-line window.
	assert.Nil(t, PromptContext(strings.Join(lines, "\n")))
}

func TestFallbackSummary(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "meaningful output line")
	}
	lines = append(lines, strings.Repeat("长", 200))

	got := fallbackSummary(strings.Join(lines, "\n"))
	outLines := strings.Split(got, "\n")
	assert.LessOrEqual(t, len(outLines), summaryMaxLines)

	last := outLines[len(outLines)-1]
	assert.LessOrEqual(t, len([]rune(last)), summaryLineCap+1)
}
