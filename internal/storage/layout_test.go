package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLayout_CreatesMediaDirs(t *testing.T) {
	root := t.TempDir()
	l, err := NewLayout(root)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	for _, m := range []Media{MediaImages, MediaVideos, MediaUpscales} {
		fi, err := os.Stat(filepath.Join(l.Root(), string(m)))
		if err != nil || !fi.IsDir() {
			t.Fatalf("media dir %s missing: %v", m, err)
		}
	}
	if _, err := NewLayout("  "); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestPath(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	p, err := l.Path(MediaVideos, "01HX", ".mp4")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := filepath.Join(l.Root(), "videos", "gen_01HX.mp4")
	if p != want {
		t.Fatalf("got %q want %q", p, want)
	}

	for _, bad := range []string{"", "../etc", "a/b", `a\b`} {
		if _, err := l.Path(MediaImages, bad, "png"); err == nil {
			t.Fatalf("expected error for id %q", bad)
		}
	}
	if _, err := l.Path(MediaImages, "ok", ""); err == nil {
		t.Fatalf("expected error for empty ext")
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "gen_1.png")

	if err := WriteFile(p, nil); err == nil {
		t.Fatalf("expected error writing empty artifact")
	}
	if Exists(p) {
		t.Fatalf("empty write must not leave a file")
	}

	if err := WriteFile(p, []byte("data")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !Exists(p) {
		t.Fatalf("expected artifact to exist")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}

func TestResolve_ConfinesToRoot(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	p, err := l.Resolve("uploads/cat.png")
	if err != nil {
		t.Fatalf("Resolve relative: %v", err)
	}
	if want := filepath.Join(l.Root(), "uploads", "cat.png"); p != want {
		t.Fatalf("got %q want %q", p, want)
	}

	inside := filepath.Join(l.Root(), "images", "gen_1.png")
	if p, err := l.Resolve(inside); err != nil || p != inside {
		t.Fatalf("Resolve absolute inside: %q %v", p, err)
	}

	for _, bad := range []string{"/etc/passwd", "../outside.png", "images/../../x.png", filepath.Dir(l.Root())} {
		if _, err := l.Resolve(bad); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("%q: expected ErrOutsideRoot, got %v", bad, err)
		}
	}
	if _, err := l.Resolve("  "); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	secret := filepath.Join(t.TempDir(), "secret.png")
	if err := os.WriteFile(secret, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(l.Root(), "images", "link.png")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := l.Resolve("images/link.png"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot through symlink, got %v", err)
	}
}
