package backend

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/ai"
	"github.com/suPer8Hu/genstudio/internal/storage"
)

type fakeDiffuser struct {
	img2img ai.Img2ImgParams
	factor  float64
	err     error
}

func (f *fakeDiffuser) Txt2Img(ctx context.Context, p ai.Txt2ImgParams) ([]byte, error) {
	return []byte("sd:" + p.Prompt), f.err
}

func (f *fakeDiffuser) Img2Img(ctx context.Context, p ai.Img2ImgParams) ([]byte, error) {
	f.img2img = p
	return []byte("sd-edit"), f.err
}

func (f *fakeDiffuser) Upscale(ctx context.Context, image []byte, factor float64, upscaler string) ([]byte, error) {
	f.factor = factor
	return []byte("sd-up"), f.err
}

func (f *fakeDiffuser) Ping(ctx context.Context) error { return nil }

func newTestRegistry(t *testing.T, opts Options) (*Registry, *storage.Layout) {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return NewRegistry(opts, layout, zerolog.Nop()), layout
}

func mustExecute(t *testing.T, r *Registry, req Request) string {
	t.Helper()
	b, err := r.Backend(req.Operation)
	if err != nil {
		t.Fatalf("Backend(%s): %v", req.Operation, err)
	}
	out, err := b.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute(%s): %v", req.Operation, err)
	}
	return out
}

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	p := filepath.Join(dir, "src.png")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return p
}

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestTxt2Img_PlaceholderUsesDefaults(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})

	out := mustExecute(t, r, Request{JobID: "job1", Operation: OpTxt2Img, Prompt: "a cat"})
	want, _ := layout.Path(storage.MediaImages, "job1", "png")
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
	if w, h := decodeSize(t, out); w != DefaultSize || h != DefaultSize {
		t.Fatalf("expected %dx%d canvas, got %dx%d", DefaultSize, DefaultSize, w, h)
	}

	out = mustExecute(t, r, Request{JobID: "job2", Operation: OpTxt2Img, Prompt: "a cat", Width: 64, Height: 32})
	if w, h := decodeSize(t, out); w != 64 || h != 32 {
		t.Fatalf("expected 64x32 canvas, got %dx%d", w, h)
	}
}

func TestTxt2Img_UsesDiffusionWhenLoaded(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.Swap(Resources{Diffusion: &fakeDiffuser{}})

	out := mustExecute(t, r, Request{JobID: "job1", Operation: OpTxt2Img, Prompt: "a cat"})
	data, _ := os.ReadFile(out)
	if string(data) != "sd:a cat" {
		t.Fatalf("unexpected artifact %q", data)
	}
}

func TestTxt2Img_DiffusionErrorIsBackendError(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	r.Swap(Resources{Diffusion: &fakeDiffuser{err: errors.New("cuda oom")}})

	b, _ := r.Backend(OpTxt2Img)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpTxt2Img, Prompt: "p"})
	var be *Error
	if !errors.As(err, &be) || be.JobID != "job1" || be.Op != OpTxt2Img {
		t.Fatalf("expected backend error, got %v", err)
	}
	p, _ := layout.Path(storage.MediaImages, "job1", "png")
	if storage.Exists(p) {
		t.Fatalf("failed execution must not leave an artifact")
	}
}

func TestImg2Img(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	src := writePNG(t, layout.Root(), 20, 10)

	b, _ := r.Backend(OpImg2Img)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpImg2Img, Prompt: "p", SourcePath: filepath.Join(layout.Root(), "nope.png")})
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}

	out := mustExecute(t, r, Request{JobID: "job2", Operation: OpImg2Img, Prompt: "p", SourcePath: src})
	if w, h := decodeSize(t, out); w != 20 || h != 10 {
		t.Fatalf("placeholder should keep source size, got %dx%d", w, h)
	}

	sd := &fakeDiffuser{}
	r.Swap(Resources{Diffusion: sd})
	mustExecute(t, r, Request{JobID: "job3", Operation: OpImg2Img, Prompt: "p", SourcePath: src})
	if sd.img2img.Strength != 0.6 || sd.img2img.CFGScale != 7.5 || len(sd.img2img.Init) == 0 {
		t.Fatalf("unexpected img2img params: %+v", sd.img2img)
	}
}

func TestImg2Img_UndecodableSourceFails(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	src := filepath.Join(layout.Root(), "garbage.png")
	if err := os.WriteFile(src, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := r.Backend(OpImg2Img)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpImg2Img, Prompt: "p", SourcePath: src})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestUpscale(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})

	out := mustExecute(t, r, Request{JobID: "blank", Operation: OpUpscale, Prompt: "p"})
	want, _ := layout.Path(storage.MediaUpscales, "blank", "png")
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}

	src := writePNG(t, layout.Root(), 8, 8)
	out = mustExecute(t, r, Request{JobID: "copy", Operation: OpUpscale, Prompt: "p", SourcePath: src})
	if w, h := decodeSize(t, out); w != 8 || h != 8 {
		t.Fatalf("placeholder should copy source, got %dx%d", w, h)
	}

	sd := &fakeDiffuser{}
	r.Swap(Resources{Diffusion: sd})
	mustExecute(t, r, Request{JobID: "sd", Operation: OpUpscale, Prompt: "p", SourcePath: src})
	if sd.factor != 4 {
		t.Fatalf("expected default factor 4, got %v", sd.factor)
	}
}

func TestSource_ConfinedToStorageRoot(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	outside := writePNG(t, t.TempDir(), 4, 4)

	for _, op := range []Operation{OpImg2Img, OpUpscale, OpImg2Video} {
		b, _ := r.Backend(op)
		_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: op, Prompt: "p", SourcePath: outside})
		if !errors.Is(err, ErrSourceMissing) || !errors.Is(err, storage.ErrOutsideRoot) {
			t.Fatalf("%s: expected outside-root source error, got %v", op, err)
		}
	}

	// relative references resolve against the root
	writePNG(t, layout.Root(), 6, 6)
	out := mustExecute(t, r, Request{JobID: "job2", Operation: OpImg2Img, Prompt: "p", SourcePath: "src.png"})
	if w, h := decodeSize(t, out); w != 6 || h != 6 {
		t.Fatalf("expected relative source to be read, got %dx%d", w, h)
	}
}

func TestOutputPath(t *testing.T) {
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	want := map[Operation]string{
		OpTxt2Img:   filepath.Join(layout.Root(), "images", "gen_j.png"),
		OpImg2Img:   filepath.Join(layout.Root(), "images", "gen_j.png"),
		OpUpscale:   filepath.Join(layout.Root(), "upscales", "gen_j.png"),
		OpTxt2Video: filepath.Join(layout.Root(), "videos", "gen_j.mp4"),
		OpImg2Video: filepath.Join(layout.Root(), "videos", "gen_j.mp4"),
	}
	for op, w := range want {
		if got, err := OutputPath(layout, op, "j"); err != nil || got != w {
			t.Fatalf("%s: got %q %v want %q", op, got, err, w)
		}
	}
	if _, err := OutputPath(layout, "inpaint", "j"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestBackend_UnknownOperation(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	if _, err := r.Backend("inpaint"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	p := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do out=\"$a\"; done\n" + body + "\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func TestVideo_PlaceholderWithoutEncoder(t *testing.T) {
	r, layout := newTestRegistry(t, Options{FFmpegBin: "definitely-not-ffmpeg"})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.Resources().FFmpeg != "" {
		t.Fatalf("expected ffmpeg to be unset")
	}

	out := mustExecute(t, r, Request{JobID: "job1", Operation: OpTxt2Video, Prompt: "p"})
	want, _ := layout.Path(storage.MediaVideos, "job1", "mp4")
	if out != want {
		t.Fatalf("expected clip at %q, got %q", want, out)
	}
	got, err := os.ReadFile(out)
	if err != nil || !bytes.Equal(got, blankClip) {
		t.Fatalf("expected the blank clip, err=%v", err)
	}

	src := writePNG(t, layout.Root(), 4, 4)
	out = mustExecute(t, r, Request{JobID: "job2", Operation: OpImg2Video, Prompt: "p", SourcePath: src})
	if !storage.Exists(out) {
		t.Fatalf("expected img2video placeholder")
	}

	// the source is still required
	b, _ := r.Backend(OpImg2Video)
	if _, err := b.Execute(context.Background(), Request{JobID: "job3", Operation: OpImg2Video, Prompt: "p"}); !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}
}

func TestBlankClip_IsMP4(t *testing.T) {
	if len(blankClip) < 16 || string(blankClip[4:8]) != "ftyp" {
		t.Fatalf("blank clip does not start with an ftyp box")
	}
	for _, box := range []string{"moov", "mdat", "avc1", "avcC"} {
		if !bytes.Contains(blankClip, []byte(box)) {
			t.Fatalf("blank clip is missing %s", box)
		}
	}
}

func TestImg2Video_ScalesToRequestedSize(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	argsFile := filepath.Join(t.TempDir(), "args")
	r.Swap(Resources{FFmpeg: fakeFFmpeg(t, `echo "$@" > `+argsFile+`; printf 'mp4' > "$out"`)})

	src := writePNG(t, layout.Root(), 4, 4)
	mustExecute(t, r, Request{JobID: "job1", Operation: OpImg2Video, Prompt: "p", SourcePath: src, Width: 641, Height: 360})
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(args), "-vf scale=640:360") {
		t.Fatalf("expected requested size in filter, got %q", args)
	}

	mustExecute(t, r, Request{JobID: "job2", Operation: OpImg2Video, Prompt: "p", SourcePath: src})
	args, _ = os.ReadFile(argsFile)
	if !strings.Contains(string(args), "-vf scale=512:512") {
		t.Fatalf("expected default size in filter, got %q", args)
	}
}

func TestVideo_WritesClip(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	r.Swap(Resources{FFmpeg: fakeFFmpeg(t, `printf 'mp4' > "$out"`)})

	out := mustExecute(t, r, Request{JobID: "job1", Operation: OpTxt2Video, Prompt: "p"})
	want, _ := layout.Path(storage.MediaVideos, "job1", "mp4")
	if out != want || !storage.Exists(out) {
		t.Fatalf("expected clip at %q, got %q", want, out)
	}

	src := writePNG(t, layout.Root(), 4, 4)
	out = mustExecute(t, r, Request{JobID: "job2", Operation: OpImg2Video, Prompt: "p", SourcePath: src})
	if !storage.Exists(out) {
		t.Fatalf("expected img2video clip")
	}
}

func TestVideo_EmptyOutputIsBackendError(t *testing.T) {
	r, layout := newTestRegistry(t, Options{})
	r.Swap(Resources{FFmpeg: fakeFFmpeg(t, `: > "$out"`)})

	b, _ := r.Backend(OpTxt2Video)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpTxt2Video, Prompt: "p"})
	if !errors.Is(err, ErrEmptyArtifact) {
		t.Fatalf("expected ErrEmptyArtifact, got %v", err)
	}
	p, _ := layout.Path(storage.MediaVideos, "job1", "mp4")
	if _, statErr := os.Stat(p); !os.IsNotExist(statErr) {
		t.Fatalf("no clip should be left behind")
	}
}

func TestVideo_EncoderFailureCarriesStderr(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.Swap(Resources{FFmpeg: fakeFFmpeg(t, "echo 'unknown encoder libx264' >&2; exit 1")})

	b, _ := r.Backend(OpTxt2Video)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpTxt2Video, Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "unknown encoder") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestImg2Video_SourceMissing(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	r.Swap(Resources{FFmpeg: fakeFFmpeg(t, `printf 'mp4' > "$out"`)})

	b, _ := r.Backend(OpImg2Video)
	_, err := b.Execute(context.Background(), Request{JobID: "job1", Operation: OpImg2Video, Prompt: "p"})
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}
}

func TestReload_LoadsResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	bin := fakeFFmpeg(t, "exit 0")
	r, _ := newTestRegistry(t, Options{DiffusionURL: srv.URL, FFmpegBin: bin})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	res := r.Resources()
	if res.Diffusion == nil || res.FFmpeg != bin {
		t.Fatalf("expected both resources loaded, got %+v", res)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res := r.Resources(); res.Diffusion != nil || res.FFmpeg != "" {
		t.Fatalf("expected resources cleared after Close")
	}
}

func TestReload_UnreachableResourcesLeftUnset(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	r, _ := newTestRegistry(t, Options{
		DiffusionURL: down.URL,
		FFmpegBin:    filepath.Join(t.TempDir(), "missing-ffmpeg"),
	})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if res := r.Resources(); res.Diffusion != nil || res.FFmpeg != "" {
		t.Fatalf("expected nothing loaded, got %+v", res)
	}
}

func TestEven(t *testing.T) {
	for in, want := range map[int]int{512: 512, 513: 512, 1: 2, 0: 2} {
		if got := even(in); got != want {
			t.Fatalf("even(%d) = %d, want %d", in, got, want)
		}
	}
}
