package worktree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix the login bug", "fix-the-login-bug"},
		{"Add OAuth2 support!!!", "add-oauth2-support"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"under_scores-kept", "under_scores-kept"},
		{"Ünïcödé & symbols", "n-c-d-symbols"},
		{"---", "task"},
		{"", "task"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}

func TestSlugifyTruncates(t *testing.T) {
	long := strings.Repeat("abcde ", 20)
	slug := Slugify(long)
	assert.LessOrEqual(t, len(slug), 50)
	assert.False(t, strings.HasSuffix(slug, "-"))
}

func TestSlugifyIdempotent(t *testing.T) {
	inputs := []string{"Fix the login bug", "weird!!chars##here", strings.Repeat("x y ", 30), ""}
	for _, in := range inputs {
		once := Slugify(in)
		assert.Equal(t, once, Slugify(once), "input %q", in)
	}
}
