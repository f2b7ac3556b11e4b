package generation

import (
	"testing"

	"github.com/suPer8Hu/genstudio/internal/moderation"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to  Status
		hasOutput bool
		want      bool
	}{
		{StatusQueued, StatusRunning, false, true},
		{StatusRunning, StatusCompleted, true, true},
		{StatusRunning, StatusFlagged, true, true},
		{StatusRunning, StatusFailed, false, true},
		{StatusRunning, StatusFailed, true, false},
		{StatusFlagged, StatusCompleted, true, true},
		{StatusFlagged, StatusBlocked, true, true},
		{StatusBlocked, StatusCompleted, true, true},
		{StatusBlocked, StatusCompleted, false, false},
		{StatusCompleted, StatusBlocked, true, true},
		{StatusQueued, StatusBlocked, false, true},
		{StatusQueued, StatusFlagged, false, true},
		{StatusQueued, StatusCompleted, false, false},
		{StatusQueued, StatusFailed, false, false},
		{StatusCompleted, StatusRunning, true, false},
		{StatusFailed, StatusRunning, false, false},
		{StatusRunning, StatusQueued, false, false},
		{StatusCompleted, StatusQueued, true, false},
		{StatusFailed, StatusFailed, false, true},
		{"bogus", StatusRunning, false, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to, tt.hasOutput); got != tt.want {
			t.Fatalf("CanTransition(%s, %s, %v) = %v, want %v", tt.from, tt.to, tt.hasOutput, got, tt.want)
		}
	}
}

func TestFinishStatus_NeverBlocks(t *testing.T) {
	for _, v := range []*moderation.Verdict{
		nil,
		{Action: moderation.ActionAllow},
		{Action: moderation.ActionFlag, Tags: []moderation.Tag{moderation.TagExplicit}},
		{Action: moderation.ActionBlock},
	} {
		if got := finishStatus(v); got == StatusBlocked {
			t.Fatalf("automated verdict %+v produced blocked", v)
		}
	}
}

func TestReviewStatus(t *testing.T) {
	tests := []struct {
		current   Status
		hasOutput bool
		action    moderation.Action
		want      Status
	}{
		{StatusFlagged, true, moderation.ActionBlock, StatusBlocked},
		{StatusQueued, false, moderation.ActionBlock, StatusBlocked},
		{StatusCompleted, true, moderation.ActionFlag, StatusFlagged},
		{StatusFlagged, true, moderation.ActionAllow, StatusCompleted},
		{StatusBlocked, true, moderation.ActionAllow, StatusCompleted},
		{StatusQueued, false, moderation.ActionAllow, StatusQueued},
		{StatusFailed, false, moderation.ActionAllow, StatusFailed},
	}
	for _, tt := range tests {
		if got := reviewStatus(tt.current, tt.hasOutput, tt.action); got != tt.want {
			t.Fatalf("reviewStatus(%s, %v, %s) = %s, want %s", tt.current, tt.hasOutput, tt.action, got, tt.want)
		}
	}
}
