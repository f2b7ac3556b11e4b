package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/moderation"
)

const DefaultPendingLimit = 100

// ReviewQueue is the human side of moderation: it lists jobs that need a
// decision and applies reviewer decisions, which always win over the
// automated verdict.
type ReviewQueue struct {
	repo *Repo
	log  zerolog.Logger
}

func NewReviewQueue(repo *Repo, log zerolog.Logger) *ReviewQueue {
	return &ReviewQueue{repo: repo, log: log}
}

type ReviewInput struct {
	Action string   `json:"action"`
	Tags   []string `json:"tags,omitempty"`
	Notes  *string  `json:"notes,omitempty"`
}

func (q *ReviewQueue) ListPending(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > DefaultPendingLimit {
		limit = DefaultPendingLimit
	}
	return q.repo.ListPending(ctx, limit)
}

// SubmitReview appends one review row and applies the decision. It returns the
// persisted review and the job as it stands after the decision.
func (q *ReviewQueue) SubmitReview(ctx context.Context, jobID string, reviewerID uint64, in ReviewInput) (*ModerationReview, *Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, nil, invalid("job_id", "is required")
	}
	if reviewerID == 0 {
		return nil, nil, invalid("reviewer_id", "is required")
	}
	action, ok := moderation.ParseAction(in.Action)
	if !ok {
		return nil, nil, invalid("action", fmt.Sprintf("must be allow, flag or block, got %q", in.Action))
	}
	tags, err := parseTags(in.Tags)
	if err != nil {
		return nil, nil, err
	}

	rev := &ModerationReview{
		ID:         uuid.NewString(),
		JobID:      jobID,
		ReviewerID: reviewerID,
		Action:     action,
		Tags:       tags,
		Notes:      trimmed(in.Notes),
	}
	job, err := q.repo.ApplyReview(ctx, rev, tags)
	if err != nil {
		return nil, nil, err
	}

	q.log.Info().
		Str("job_id", jobID).
		Uint64("reviewer_id", reviewerID).
		Str("action", string(action)).
		Str("status", string(job.Status)).
		Msg("review applied")
	return rev, job, nil
}

func (q *ReviewQueue) ListReviews(ctx context.Context, jobID string) ([]ModerationReview, error) {
	if _, err := q.repo.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return q.repo.ListReviews(ctx, jobID)
}

// parseTags validates and dedupes reviewer tags, keeping first-seen order.
func parseTags(in []string) ([]moderation.Tag, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[moderation.Tag]bool, len(in))
	out := make([]moderation.Tag, 0, len(in))
	for _, s := range in {
		t, ok := moderation.ParseTag(s)
		if !ok {
			return nil, invalid("tags", fmt.Sprintf("unknown tag %q", s))
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}
