package generation

import (
	"fmt"

	"github.com/suPer8Hu/genstudio/internal/moderation"
)

// CanTransition is the single source of truth for status edges.
//
//	queued  -> running                       worker claims the job
//	running -> completed | failed | flagged  worker finishes
//	*       -> blocked | flagged             reviewer decision
//	*       -> completed                     reviewer allow, output required
//
// Self-loops are always allowed. Nothing ever returns to queued.
func CanTransition(from, to Status, hasOutput bool) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusRunning:
		return from == StatusQueued
	case StatusFailed:
		return from == StatusRunning && !hasOutput
	case StatusCompleted:
		return hasOutput
	case StatusFlagged, StatusBlocked:
		return true
	}
	return false
}

func checkTransition(from, to Status, hasOutput bool) error {
	if !CanTransition(from, to, hasOutput) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// finishStatus is the automated outcome of a successful execution. The
// classifier can hold a job for review but never block it.
func finishStatus(v *moderation.Verdict) Status {
	if v != nil && v.Action == moderation.ActionFlag {
		return StatusFlagged
	}
	return StatusCompleted
}

// reviewStatus is the status a human decision moves the job to.
func reviewStatus(current Status, hasOutput bool, action moderation.Action) Status {
	switch action {
	case moderation.ActionBlock:
		return StatusBlocked
	case moderation.ActionFlag:
		return StatusFlagged
	case moderation.ActionAllow:
		if hasOutput {
			return StatusCompleted
		}
	}
	return current
}
