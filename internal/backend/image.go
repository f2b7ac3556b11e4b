package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/suPer8Hu/genstudio/internal/ai"
	"github.com/suPer8Hu/genstudio/internal/storage"
)

const (
	img2imgStrength = 0.6
	img2imgCFGScale = 7.5
)

type txt2img struct{ r *Registry }

func (b txt2img) Execute(ctx context.Context, req Request) (string, error) {
	req = req.Resolved()
	out, err := OutputPath(b.r.layout, OpTxt2Img, req.JobID)
	if err != nil {
		return "", fail(req, err)
	}

	var data []byte
	if sd := b.r.Resources().Diffusion; sd != nil {
		data, err = sd.Txt2Img(ctx, txt2imgParams(req))
	} else {
		data, err = blankPNG(req.Width, req.Height)
	}
	if err != nil {
		return "", fail(req, err)
	}
	return write(req, out, data)
}

type img2img struct{ r *Registry }

func (b img2img) Execute(ctx context.Context, req Request) (string, error) {
	req = req.Resolved()
	src, err := b.r.readSource(req)
	if err != nil {
		return "", err
	}
	out, err := OutputPath(b.r.layout, OpImg2Img, req.JobID)
	if err != nil {
		return "", fail(req, err)
	}

	var data []byte
	if sd := b.r.Resources().Diffusion; sd != nil {
		data, err = sd.Img2Img(ctx, ai.Img2ImgParams{
			Txt2ImgParams: txt2imgParams(req),
			Init:          src,
			Strength:      img2imgStrength,
			CFGScale:      img2imgCFGScale,
		})
	} else {
		data, err = reencodePNG(src)
	}
	if err != nil {
		return "", fail(req, err)
	}
	return write(req, out, data)
}

type upscale struct{ r *Registry }

func (b upscale) Execute(ctx context.Context, req Request) (string, error) {
	req = req.Resolved()
	out, err := OutputPath(b.r.layout, OpUpscale, req.JobID)
	if err != nil {
		return "", fail(req, err)
	}

	// no source: nothing to enlarge, emit a canvas of the requested size
	if req.SourcePath == "" {
		data, err := blankPNG(req.Width, req.Height)
		if err != nil {
			return "", fail(req, err)
		}
		return write(req, out, data)
	}

	src, err := b.r.readSource(req)
	if err != nil {
		return "", err
	}
	var data []byte
	if sd := b.r.Resources().Diffusion; sd != nil {
		data, err = sd.Upscale(ctx, src, b.r.opts.UpscaleFactor, b.r.opts.Upscaler)
	} else {
		data, err = reencodePNG(src)
	}
	if err != nil {
		return "", fail(req, err)
	}
	return write(req, out, data)
}

func txt2imgParams(req Request) ai.Txt2ImgParams {
	return ai.Txt2ImgParams{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		Steps:          req.Steps,
		Width:          req.Width,
		Height:         req.Height,
		Style:          req.Style,
	}
}

// sourcePath confines the job's source to the storage root.
func (r *Registry) sourcePath(req Request) (string, error) {
	p, err := r.layout.Resolve(req.SourcePath)
	if err != nil {
		return "", fail(req, fmt.Errorf("%w: %w", ErrSourceMissing, err))
	}
	if !storage.Exists(p) {
		return "", fail(req, ErrSourceMissing)
	}
	return p, nil
}

func (r *Registry) readSource(req Request) ([]byte, error) {
	p, err := r.sourcePath(req)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, fail(req, err)
	}
	return src, nil
}

func write(req Request, out string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fail(req, ErrEmptyArtifact)
	}
	if err := storage.WriteFile(out, data); err != nil {
		return "", fail(req, err)
	}
	return out, nil
}
