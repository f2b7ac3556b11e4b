package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/genstudio/internal/moderation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxReviewAttempts = 5

// Repo is the job store. Every status write is a compare-and-set keyed by job
// id so a worker and a reviewer can never overwrite each other blindly.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

func (r *Repo) Create(ctx context.Context, job *Job) error {
	return storeErr("create job", r.db.WithContext(ctx).Create(job).Error)
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, storeErr("get job", err)
	}
	return &j, nil
}

// MarkRunning claims a queued job. It reports false when the job is no longer
// queued, which means someone else claimed it or a reviewer moved it.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{
			"status":     StatusRunning,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, storeErr("mark running", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a backend failure. Only a running job can fail.
func (r *Repo) MarkFailed(ctx context.Context, id string, detail string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]any{
			"status":     StatusFailed,
			"error":      detail,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, storeErr("mark failed", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Finish records a successful execution. A running job moves to completed or
// flagged together with the output and the verdict, unless a reviewer already
// allowed it while it ran: then the human action and tags stay and the job
// completes. If a reviewer moved the job out of running, only the output is
// recorded and the reviewer's status and moderation fields are kept.
func (r *Repo) Finish(ctx context.Context, id, output string, v *moderation.Verdict) (Status, error) {
	if output == "" {
		return "", errors.New("finish: output is required")
	}
	target := finishStatus(v)
	if err := checkTransition(StatusRunning, target, true); err != nil {
		return "", err
	}

	now := r.now()
	updates := map[string]any{
		"status":      target,
		"output_path": output,
		"updated_at":  now,
	}
	if v != nil {
		updates["nsfw_action"] = v.Action
		if len(v.Tags) > 0 {
			updates["nsfw_tags"] = datatypes.JSONSlice[moderation.Tag](v.Tags)
		}
	}

	db := r.db.WithContext(ctx)
	res := db.Model(&Job{}).
		Where("id = ? AND status = ? AND nsfw_action IS NULL", id, StatusRunning).
		Updates(updates)
	if res.Error != nil {
		return "", storeErr("finish job", res.Error)
	}
	if res.RowsAffected == 1 {
		return target, nil
	}

	// reviewed while running; flag and block leave running, so this is an allow
	reviewed := reviewStatus(StatusRunning, true, moderation.ActionAllow)
	res = db.Model(&Job{}).
		Where("id = ? AND status = ? AND nsfw_action IS NOT NULL", id, StatusRunning).
		Updates(map[string]any{
			"status":      reviewed,
			"output_path": output,
			"updated_at":  now,
		})
	if res.Error != nil {
		return "", storeErr("finish job", res.Error)
	}
	if res.RowsAffected == 1 {
		return reviewed, nil
	}

	res = db.Model(&Job{}).
		Where("id = ? AND status IN ? AND output_path IS NULL", id, []Status{StatusFlagged, StatusBlocked}).
		Updates(map[string]any{
			"output_path": output,
			"updated_at":  now,
		})
	if res.Error != nil {
		return "", storeErr("finish job", res.Error)
	}

	j, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if res.RowsAffected == 1 {
		return j.Status, nil
	}
	return j.Status, fmt.Errorf("%w: finish from %s", ErrInvalidTransition, j.Status)
}

// ApplyReview appends the review row and applies the decision to the job in
// one transaction. The job update is conditioned on the status and output
// presence that the decision was computed from; a concurrent change retries
// the whole transaction against the fresh row.
func (r *Repo) ApplyReview(ctx context.Context, rev *ModerationReview, tags []moderation.Tag) (*Job, error) {
	for attempt := 0; attempt < maxReviewAttempts; attempt++ {
		var out Job
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var j Job
			if err := tx.First(&j, "id = ?", rev.JobID).Error; err != nil {
				return err
			}
			hasOutput := j.HasOutput()
			target := reviewStatus(j.Status, hasOutput, rev.Action)
			if err := checkTransition(j.Status, target, hasOutput); err != nil {
				return err
			}

			now := r.now()
			updates := map[string]any{
				"status":      target,
				"nsfw_action": rev.Action,
				"updated_at":  now,
			}
			if len(tags) > 0 {
				updates["nsfw_tags"] = datatypes.JSONSlice[moderation.Tag](tags)
			}

			q := tx.Model(&Job{}).Where("id = ? AND status = ?", j.ID, j.Status)
			if hasOutput {
				q = q.Where("output_path IS NOT NULL")
			} else {
				q = q.Where("output_path IS NULL")
			}
			res := q.Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errConflict
			}
			if err := tx.Create(rev).Error; err != nil {
				return err
			}

			action := rev.Action
			j.Status = target
			j.NSFWAction = &action
			if len(tags) > 0 {
				j.NSFWTags = tags
			}
			j.UpdatedAt = now
			out = j
			return nil
		})
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return nil, storeErr("apply review", err)
		}
		return &out, nil
	}
	return nil, &StoreError{Op: "apply review", Err: errConflict}
}

// ListPending returns queued and flagged jobs, oldest first.
func (r *Repo) ListPending(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusQueued, StatusFlagged}).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, storeErr("list pending", err)
	}
	return jobs, nil
}

// ListReviews returns the audit trail of a job, oldest first.
func (r *Repo) ListReviews(ctx context.Context, jobID string) ([]ModerationReview, error) {
	var reviews []ModerationReview
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&reviews).Error; err != nil {
		return nil, storeErr("list reviews", err)
	}
	return reviews, nil
}

// ListByUser returns the user's jobs in DESC id order (newest -> oldest).
// ULIDs sort by creation time, so beforeID pages backwards.
func (r *Repo) ListByUser(ctx context.Context, userID uint64, limit int, beforeID string) ([]Job, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit)

	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, storeErr("list by user", err)
	}
	return jobs, nil
}

// ListQueuedBefore returns jobs still queued that were created before cutoff
// and not requeued since cutoff.
func (r *Repo) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	var jobs []Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusQueued, cutoff).
		Where("(requeued_at IS NULL OR requeued_at < ?)", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, storeErr("list queued", err)
	}
	return jobs, nil
}

// MarkRequeued stamps a queued job as re-enqueued at t.
func (r *Repo) MarkRequeued(ctx context.Context, id string, t time.Time) error {
	err := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		UpdateColumn("requeued_at", t).Error
	return storeErr("mark requeued", err)
}

// ListRunningBefore returns running jobs whose last write is older than cutoff.
func (r *Repo) ListRunningBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	var jobs []Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusRunning, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, storeErr("list running", err)
	}
	return jobs, nil
}
