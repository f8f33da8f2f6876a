package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"shot.PNG", KindImage},
		{"photo.jpeg", KindImage},
		{"clip.mp4", KindVideo},
		{"note.ogg", KindAudio},
		{"voice.opus", KindAudio},
		{"report.pdf", KindDocument},
		{"no-extension", KindDocument},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.name), tt.name)
	}
}

func TestStage(t *testing.T) {
	worktree := t.TempDir()
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	staged, err := Stage(worktree, src, "notes.txt")
	require.NoError(t, err)

	assert.Equal(t, KindDocument, staged.Kind)
	assert.True(t, strings.HasPrefix(staged.RelPath, Dir+string(filepath.Separator)))
	assert.True(t, strings.HasSuffix(staged.RelPath, "_notes.txt"))

	data, err := os.ReadFile(filepath.Join(worktree, staged.RelPath))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStageSanitizesName(t *testing.T) {
	worktree := t.TempDir()
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	staged, err := Stage(worktree, src, "we ird/$na me!.txt")
	require.NoError(t, err)
	assert.NotContains(t, staged.RelPath, " ")
	assert.NotContains(t, staged.RelPath, "$")
	assert.NotContains(t, staged.RelPath, "!")
}

func TestBuildReference(t *testing.T) {
	assert.Empty(t, BuildReference(nil))

	ref := BuildReference([]Staged{
		{RelPath: ".media/1_a.png", Kind: KindImage},
		{RelPath: ".media/2_b.png", Kind: KindImage},
		{RelPath: ".media/3_doc.pdf", Kind: KindDocument},
	})
	assert.Contains(t, ref, "2 image(s)")
	assert.Contains(t, ref, ".media/1_a.png")
	assert.Contains(t, ref, "Read tool")
	assert.Contains(t, ref, "1 file(s)")
}
