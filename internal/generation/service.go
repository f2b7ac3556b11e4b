package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/common"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"github.com/suPer8Hu/genstudio/internal/storage"
)

const (
	maxDimension = 2048
	maxSteps     = 150
	maxPromptLen = 4000

	// a running job idle for longer than its lease is presumed abandoned
	defaultRunLease = 15 * time.Minute
	runLeaseGrace   = time.Minute
)

// resultLostDetail is recorded on a job whose execution ended without a terminal
// write and left no artifact behind.
const resultLostDetail = "result lost: execution ended without recording an outcome"

// Enqueuer hands a job id to the execution substrate.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Backends resolves the variant for an operation.
type Backends interface {
	Backend(op backend.Operation) (backend.Backend, error)
}

// Service drives a job from submission through execution and the automated
// moderation gate.
type Service struct {
	repo       *Repo
	backends   Backends
	layout     *storage.Layout
	classifier *moderation.Classifier
	queue      Enqueuer
	timeout    time.Duration
	lease      time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewService wires the job flow. layout confines source references and
// locates artifacts of interrupted executions; with a nil layout sources are
// refused.
func NewService(repo *Repo, backends Backends, layout *storage.Layout, classifier *moderation.Classifier, queue Enqueuer, timeout time.Duration, log zerolog.Logger) *Service {
	lease := defaultRunLease
	if timeout > 0 {
		lease = timeout + runLeaseGrace
	}
	return &Service{
		repo:       repo,
		backends:   backends,
		layout:     layout,
		classifier: classifier,
		queue:      queue,
		timeout:    timeout,
		lease:      lease,
		log:        log,
		now:        time.Now,
	}
}

type SubmitRequest struct {
	Kind           Kind              `json:"kind"`
	Operation      backend.Operation `json:"operation,omitempty"`
	Mode           Mode              `json:"mode"`
	Prompt         string            `json:"prompt"`
	NegativePrompt *string           `json:"negative_prompt,omitempty"`
	Seed           *int64            `json:"seed,omitempty"`
	Steps          *int              `json:"steps,omitempty"`
	Width          *int              `json:"width,omitempty"`
	Height         *int              `json:"height,omitempty"`
	Style          *string           `json:"style,omitempty"`
	SourceRef      *string           `json:"source_ref,omitempty"`
}

// Submit validates and persists a new queued job, then enqueues its id. An
// enqueue failure is logged and the job stays queued for RequeueStale.
func (s *Service) Submit(ctx context.Context, userID uint64, req SubmitRequest) (*Job, error) {
	job, err := newJob(userID, req)
	if err != nil {
		return nil, err
	}
	if job.SourcePath != nil {
		src, err := s.resolveSource(*job.SourcePath)
		if err != nil {
			return nil, err
		}
		job.SourcePath = &src
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.log.Error().Err(err).
			Str("job_id", job.ID).
			Msg("enqueue failed; job stays queued until requeued")
	}
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uint64, limit int, beforeID string) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit, beforeID)
}

// resolveSource maps a source reference onto a file under the storage root.
func (s *Service) resolveSource(ref string) (string, error) {
	if s.layout == nil {
		return "", invalid("source_ref", "sources are not accepted here")
	}
	p, err := s.layout.Resolve(ref)
	if err != nil {
		return "", invalid("source_ref", "must name a file inside the storage directory")
	}
	return p, nil
}

// Execute is the worker entry point and expects the caller to hold the job's
// lock. Backend failures end in the failed status and return nil; only store
// failures are returned, as *StoreError, so the delivery can be retried. A
// job found running under the lock has no live execution: its terminal write
// was lost, and resume settles it.
func (s *Service) Execute(ctx context.Context, id string) error {
	log := s.log.With().Str("job_id", id).Logger()

	job, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Msg("job not found, dropping delivery")
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusQueued:
	case StatusRunning:
		return s.resume(ctx, job, log)
	default:
		log.Info().Str("status", string(job.Status)).Msg("job not queued, skipping")
		return nil
	}

	claimed, err := s.repo.MarkRunning(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info().Msg("job claimed elsewhere, skipping")
		return nil
	}

	start := time.Now()
	output, err := s.run(ctx, job)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("backend failed")
		if _, ferr := s.repo.MarkFailed(ctx, id, err.Error()); ferr != nil {
			return ferr
		}
		return nil
	}

	return s.finish(ctx, job, output, time.Since(start), log)
}

func (s *Service) finish(ctx context.Context, job *Job, output string, elapsed time.Duration, log zerolog.Logger) error {
	verdict := s.moderate(job, output)
	status, err := s.repo.Finish(ctx, job.ID, output, verdict)
	if errors.Is(err, ErrInvalidTransition) {
		log.Warn().Err(err).Msg("job changed while running, output not recorded")
		return nil
	}
	if err != nil {
		return err
	}

	ev := log.Info().
		Str("status", string(status)).
		Str("output", output).
		Dur("elapsed", elapsed)
	if verdict != nil {
		ev = ev.Str("nsfw_action", string(verdict.Action))
	}
	ev.Msg("job finished")
	return nil
}

// resume settles a job left running without a live execution. An artifact at
// the job's output path is recorded as its result; without one the job fails.
// The backend is never run again.
func (s *Service) resume(ctx context.Context, job *Job, log zerolog.Logger) error {
	if out := s.artifactOf(job); out != "" {
		log.Info().Str("output", out).Msg("running job already produced an artifact, recording it")
		return s.finish(ctx, job, out, s.now().Sub(job.UpdatedAt), log)
	}

	failed, err := s.repo.MarkFailed(ctx, job.ID, resultLostDetail)
	if err != nil {
		return err
	}
	if failed {
		log.Warn().Time("running_since", job.UpdatedAt).Msg("running job left no result, marked failed")
	}
	return nil
}

// artifactOf returns the job's artifact path if a previous execution left one.
func (s *Service) artifactOf(job *Job) string {
	if s.layout == nil {
		return ""
	}
	out, err := backend.OutputPath(s.layout, job.Operation, job.ID)
	if err != nil || !storage.Exists(out) {
		return ""
	}
	return out
}

func (s *Service) run(ctx context.Context, job *Job) (out string, err error) {
	req := job.Request()
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = backend.Wrap(req, fmt.Errorf("%w: %v", backend.ErrBackendPanic, r))
		}
	}()

	b, err := s.backends.Backend(job.Operation)
	if err != nil {
		return "", backend.Wrap(req, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err = b.Execute(ctx, req)
	if err != nil {
		return "", backend.Wrap(req, err)
	}
	if !storage.Exists(out) {
		return "", backend.Wrap(req, backend.ErrEmptyArtifact)
	}
	return out, nil
}

// moderate returns nil when the job's mode skips automated moderation.
func (s *Service) moderate(job *Job, output string) *moderation.Verdict {
	if job.Mode != ModeNSFWSmart {
		return nil
	}
	v := moderation.Combine(
		s.classifier.ClassifyPrompt(job.Prompt),
		s.classifier.ClassifyArtifact(output),
	)
	return &v
}

// RequeueStale re-enqueues jobs that have stayed queued for longer than
// olderThan. A job requeued within the last olderThan is left alone, so a
// backlog the workers have not reached yet is not enqueued again on every
// sweep. A duplicate delivery is harmless: only one execution can claim the
// job.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.repo.ListQueuedBefore(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := s.queue.Enqueue(ctx, j.ID); err != nil {
			return n, fmt.Errorf("requeue %s: %w", j.ID, err)
		}
		if err := s.repo.MarkRequeued(ctx, j.ID, s.now()); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Info().Int("count", n).Msg("requeued stale jobs")
	}
	return n, nil
}

// RecoverStale settles jobs that have been running past their lease without a
// terminal write, the same way a redelivery of the job would. It runs without
// the job lock, so only jobs idle longer than any execution may take are
// touched.
func (s *Service) RecoverStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.repo.ListRunningBefore(ctx, s.now().Add(-s.lease), limit)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		log := s.log.With().Str("job_id", jobs[i].ID).Logger()
		if err := s.resume(ctx, &jobs[i], log); err != nil {
			return i, err
		}
	}
	if len(jobs) > 0 {
		s.log.Warn().Int("count", len(jobs)).Msg("recovered stale running jobs")
	}
	return len(jobs), nil
}

func newJob(userID uint64, req SubmitRequest) (*Job, error) {
	if userID == 0 {
		return nil, invalid("user_id", "is required")
	}
	if !req.Kind.Valid() {
		return nil, invalid("kind", fmt.Sprintf("must be image, video or upscale, got %q", req.Kind))
	}
	if req.Mode == "" {
		req.Mode = ModeSFW
	}
	if !req.Mode.Valid() {
		return nil, invalid("mode", fmt.Sprintf("must be sfw, nsfw or nsfw_smart, got %q", req.Mode))
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, invalid("prompt", "is required")
	}
	if len(prompt) > maxPromptLen {
		return nil, invalid("prompt", "is too long")
	}

	if err := checkRange("steps", req.Steps, maxSteps); err != nil {
		return nil, err
	}
	if err := checkRange("width", req.Width, maxDimension); err != nil {
		return nil, err
	}
	if err := checkRange("height", req.Height, maxDimension); err != nil {
		return nil, err
	}

	source := trimmed(req.SourceRef)
	op, err := deriveOperation(req.Kind, req.Operation, source != nil)
	if err != nil {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:             id,
		UserID:         userID,
		Kind:           req.Kind,
		Operation:      op,
		Mode:           req.Mode,
		Prompt:         prompt,
		NegativePrompt: trimmed(req.NegativePrompt),
		Seed:           req.Seed,
		Steps:          req.Steps,
		Width:          req.Width,
		Height:         req.Height,
		Style:          trimmed(req.Style),
		SourcePath:     source,
		Status:         StatusQueued,
	}, nil
}

// deriveOperation picks the backend variant from the kind and whether a
// source was given. An explicitly requested operation must agree with both.
func deriveOperation(kind Kind, requested backend.Operation, hasSource bool) (backend.Operation, error) {
	var op backend.Operation
	switch kind {
	case KindImage:
		op = backend.OpTxt2Img
		if hasSource {
			op = backend.OpImg2Img
		}
	case KindUpscale:
		op = backend.OpUpscale
	case KindVideo:
		op = backend.OpTxt2Video
		if hasSource {
			op = backend.OpImg2Video
		}
	}
	if requested == "" {
		return op, nil
	}

	if !requested.Valid() {
		return "", invalid("operation", fmt.Sprintf("unknown operation %q", requested))
	}
	if kindOf(requested) != kind {
		return "", invalid("operation", fmt.Sprintf("%s does not belong to kind %s", requested, kind))
	}
	if requested.NeedsSource() && !hasSource {
		return "", invalid("source_ref", fmt.Sprintf("is required for %s", requested))
	}
	return requested, nil
}

func kindOf(op backend.Operation) Kind {
	switch op {
	case backend.OpTxt2Img, backend.OpImg2Img:
		return KindImage
	case backend.OpUpscale:
		return KindUpscale
	case backend.OpTxt2Video, backend.OpImg2Video:
		return KindVideo
	}
	return ""
}

func checkRange(field string, v *int, max int) error {
	if v == nil {
		return nil
	}
	if *v <= 0 || *v > max {
		return invalid(field, fmt.Sprintf("must be between 1 and %d", max))
	}
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
