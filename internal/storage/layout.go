package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Media is a media-type directory under the storage root.
type Media string

const (
	MediaImages   Media = "images"
	MediaVideos   Media = "videos"
	MediaUpscales Media = "upscales"
)

// ErrOutsideRoot is returned by Resolve for a reference that leaves the root.
var ErrOutsideRoot = errors.New("storage: path outside storage root")

// Layout resolves job-id-derived artifact paths under a local root directory.
type Layout struct {
	root string
}

// NewLayout creates the root and every media directory.
func NewLayout(root string) (*Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	for _, m := range []Media{MediaImages, MediaVideos, MediaUpscales} {
		if err := os.MkdirAll(filepath.Join(abs, string(m)), 0o755); err != nil {
			return nil, fmt.Errorf("storage: ensure %s: %w", m, err)
		}
	}
	return &Layout{root: abs}, nil
}

func (l *Layout) Root() string {
	return l.root
}

// Path returns <root>/<media>/gen_<jobID>.<ext>.
func (l *Layout) Path(m Media, jobID, ext string) (string, error) {
	id, err := sanitizeID(jobID)
	if err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "", errors.New("storage: extension is required")
	}
	return filepath.Join(l.root, string(m), "gen_"+id+"."+ext), nil
}

// Resolve turns a caller-supplied file reference into an absolute path under
// the root. Relative references are taken from the root. A reference that
// escapes the root, lexically or through a symlink, yields ErrOutsideRoot.
func (l *Layout) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("storage: reference is required")
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)
	if !within(l.root, p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// not there yet; the lexical check is all we can do
		return p, nil
	}
	root, err := filepath.EvalSymlinks(l.root)
	if err != nil {
		return "", fmt.Errorf("storage: resolve root: %w", err)
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WriteFile writes data next to path and renames it into place, so readers
// never observe a partial artifact.
func WriteFile(path string, data []byte) error {
	if len(data) == 0 {
		return errors.New("storage: refusing to write empty artifact")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// Exists reports whether path is a regular, non-empty file.
func Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func sanitizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("storage: job id is required")
	}
	if strings.ContainsAny(id, `/\.`) {
		return "", errors.New("storage: invalid job id")
	}
	return id, nil
}
