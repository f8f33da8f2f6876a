// Package media stages inbound chat attachments into agent worktrees.
package media

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Dir is the media directory name inside each worktree.
const Dir = ".media"

// maxImageDim is the longest image side kept when staging; larger images
// are downscaled so vision-capable agents can read them.
const maxImageDim = 2048

// Kind classifies a staged file.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

var extKinds = map[string]Kind{
	".jpg": KindImage, ".jpeg": KindImage, ".png": KindImage, ".gif": KindImage,
	".webp": KindImage, ".bmp": KindImage, ".tiff": KindImage,
	".mp4": KindVideo, ".mov": KindVideo, ".webm": KindVideo, ".avi": KindVideo, ".mkv": KindVideo,
	".ogg": KindAudio, ".mp3": KindAudio, ".wav": KindAudio, ".m4a": KindAudio,
	".flac": KindAudio, ".opus": KindAudio,
}

// Classify returns the media kind for a filename.
func Classify(name string) Kind {
	if kind, ok := extKinds[strings.ToLower(filepath.Ext(name))]; ok {
		return kind
	}
	return KindDocument
}

// Staged describes one file placed into a worktree's media dir.
type Staged struct {
	RelPath string `json:"rel_path"` // worktree-relative, e.g. ".media/1756..._shot.png"
	Kind    Kind   `json:"kind"`
}

// Stage copies srcPath into the worktree's media dir under a
// timestamp-prefixed name and returns the worktree-relative path.
// Oversized images are downscaled in place.
func Stage(worktree, srcPath, origName string) (Staged, error) {
	if origName == "" {
		origName = filepath.Base(srcPath)
	}
	kind := Classify(origName)

	mediaDir := filepath.Join(worktree, Dir)
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return Staged{}, fmt.Errorf("create media dir: %w", err)
	}

	destName := fmt.Sprintf("%d_%s", time.Now().Unix(), sanitizeName(origName))
	destPath := filepath.Join(mediaDir, destName)

	if err := copyFile(srcPath, destPath); err != nil {
		return Staged{}, err
	}

	if kind == KindImage {
		if err := downscale(destPath); err != nil {
			slog.Warn("image downscale failed, keeping original", "path", destPath, "error", err)
		}
	}

	return Staged{RelPath: filepath.Join(Dir, destName), Kind: kind}, nil
}

// BuildReference renders the message an agent receives about staged files.
func BuildReference(staged []Staged) string {
	if len(staged) == 0 {
		return ""
	}

	byKind := map[Kind][]string{}
	for _, s := range staged {
		byKind[s.Kind] = append(byKind[s.Kind], s.RelPath)
	}

	var parts []string
	if paths := byKind[KindImage]; len(paths) > 0 {
		parts = append(parts, fmt.Sprintf("The user sent %d image(s): %s. View them with the Read tool.",
			len(paths), strings.Join(paths, ", ")))
	}
	if paths := byKind[KindVideo]; len(paths) > 0 {
		parts = append(parts, fmt.Sprintf("The user sent %d video file(s): %s.", len(paths), strings.Join(paths, ", ")))
	}
	if paths := byKind[KindAudio]; len(paths) > 0 {
		parts = append(parts, fmt.Sprintf("The user sent %d audio file(s): %s.", len(paths), strings.Join(paths, ", ")))
	}
	if paths := byKind[KindDocument]; len(paths) > 0 {
		parts = append(parts, fmt.Sprintf("The user sent %d file(s): %s. Read them with the Read tool.",
			len(paths), strings.Join(paths, ", ")))
	}
	return strings.Join(parts, " ")
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	return out.Close()
}

func downscale(path string) error {
	img, err := imaging.Open(path)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return nil
	}
	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	return imaging.Save(resized, path)
}
