package backend

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suPer8Hu/genstudio/internal/storage"
)

const stderrTail = 512

// blankClip is a 64x64 black H.264 clip of clipSeconds, written when no
// encoder is available.
//
//go:embed assets/blank.mp4
var blankClip []byte

type txt2video struct{ r *Registry }

func (b txt2video) Execute(ctx context.Context, req Request) (string, error) {
	req = req.Resolved()
	w, h := even(req.Width), even(req.Height)
	args := []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:d=%d", w, h, clipSeconds),
		"-t", strconv.Itoa(clipSeconds),
	}
	return b.r.encode(ctx, req, args)
}

type img2video struct{ r *Registry }

func (b img2video) Execute(ctx context.Context, req Request) (string, error) {
	req = req.Resolved()
	src, err := b.r.sourcePath(req)
	if err != nil {
		return "", err
	}
	args := []string{
		"-loop", "1",
		"-i", src,
		"-t", strconv.Itoa(clipSeconds),
		"-vf", fmt.Sprintf("scale=%d:%d", even(req.Width), even(req.Height)),
	}
	return b.r.encode(ctx, req, args)
}

// encode runs ffmpeg with the given input args into a temp file next to the
// final location and renames it into place once it is known to be non-empty.
func (r *Registry) encode(ctx context.Context, req Request, input []string) (string, error) {
	out, err := OutputPath(r.layout, req.Operation, req.JobID)
	if err != nil {
		return "", fail(req, err)
	}
	bin := r.Resources().FFmpeg
	if bin == "" {
		r.log.Warn().Str("job_id", req.JobID).Str("operation", string(req.Operation)).
			Msg("ffmpeg unavailable, writing placeholder clip")
		return write(req, out, blankClip)
	}

	tmp, err := os.CreateTemp(filepath.Dir(out), ".tmp-*.mp4")
	if err != nil {
		return "", fail(req, err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpName)

	args := append([]string{"-y", "-loglevel", "error"}, input...)
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", tmpName)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := tail(stderr.String()); msg != "" {
			return "", fail(req, fmt.Errorf("ffmpeg: %w: %s", err, msg))
		}
		return "", fail(req, fmt.Errorf("ffmpeg: %w", err))
	}

	if !storage.Exists(tmpName) {
		return "", fail(req, ErrEmptyArtifact)
	}
	if err := os.Rename(tmpName, out); err != nil {
		return "", fail(req, err)
	}
	return out, nil
}

// even rounds down to an even size; yuv420p rejects odd dimensions.
func even(n int) int {
	n &^= 1
	if n < 2 {
		return 2
	}
	return n
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}
