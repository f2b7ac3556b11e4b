// Package backend runs the actual content transformation for a job. Backends
// only produce an artifact and return its location; job status and moderation
// fields are never touched here.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/genstudio/internal/storage"
)

type Operation string

const (
	OpTxt2Img   Operation = "txt2img"
	OpImg2Img   Operation = "img2img"
	OpUpscale   Operation = "upscale"
	OpTxt2Video Operation = "txt2video"
	OpImg2Video Operation = "img2video"
)

func (o Operation) Valid() bool {
	switch o {
	case OpTxt2Img, OpImg2Img, OpUpscale, OpTxt2Video, OpImg2Video:
		return true
	}
	return false
}

func (o Operation) NeedsSource() bool {
	return o == OpImg2Img || o == OpImg2Video
}

const (
	DefaultSize  = 512
	DefaultSteps = 30
	clipSeconds  = 2
)

// Request is the read-only job snapshot a backend receives.
type Request struct {
	JobID          string
	Operation      Operation
	Prompt         string
	NegativePrompt string
	Seed           *int64
	Steps          int
	Width          int
	Height         int
	Style          string
	SourcePath     string
}

// Resolved fills unset generation parameters with defaults.
func (r Request) Resolved() Request {
	if r.Width <= 0 {
		r.Width = DefaultSize
	}
	if r.Height <= 0 {
		r.Height = DefaultSize
	}
	if r.Steps <= 0 {
		r.Steps = DefaultSteps
	}
	return r
}

// OutputPath is where the variant for op writes the artifact of jobID. The
// location is fixed per job, so a retried execution can find an earlier result.
func OutputPath(l *storage.Layout, op Operation, jobID string) (string, error) {
	switch op {
	case OpTxt2Img, OpImg2Img:
		return l.Path(storage.MediaImages, jobID, "png")
	case OpUpscale:
		return l.Path(storage.MediaUpscales, jobID, "png")
	case OpTxt2Video, OpImg2Video:
		return l.Path(storage.MediaVideos, jobID, "mp4")
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}

type Backend interface {
	Execute(ctx context.Context, req Request) (string, error)
}

var (
	ErrSourceMissing    = errors.New("source artifact missing")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrEmptyArtifact    = errors.New("backend produced an empty artifact")
	ErrBackendPanic     = errors.New("backend panicked")
)

// Error wraps any failure raised while producing an artifact.
type Error struct {
	Op    Operation
	JobID string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(req Request, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Op: req.Operation, JobID: req.JobID, Err: err}
}

// Wrap converts an arbitrary error into a backend Error for req.
func Wrap(req Request, err error) error {
	if err == nil {
		return nil
	}
	return fail(req, err)
}
