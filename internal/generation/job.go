package generation

import (
	"time"

	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindUpscale Kind = "upscale"
)

func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo || k == KindUpscale
}

// Mode governs whether automated moderation runs after a successful backend
// execution. Only nsfw_smart runs the classifier.
type Mode string

const (
	ModeSFW       Mode = "sfw"
	ModeNSFW      Mode = "nsfw"
	ModeNSFWSmart Mode = "nsfw_smart"
)

func (m Mode) Valid() bool {
	return m == ModeSFW || m == ModeNSFW || m == ModeNSFWSmart
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusFlagged   Status = "flagged"
	StatusBlocked   Status = "blocked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusFlagged, StatusBlocked:
		return true
	}
	return false
}

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	UserID uint64 `gorm:"index;not null" json:"user_id"`

	// immutable after insert
	Kind      Kind              `gorm:"type:varchar(16);not null" json:"kind"`
	Operation backend.Operation `gorm:"type:varchar(16);not null" json:"operation"`
	Mode      Mode              `gorm:"type:varchar(16);not null" json:"mode"`

	Prompt         string  `gorm:"type:text;not null" json:"prompt"`
	NegativePrompt *string `gorm:"type:text" json:"negative_prompt,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	Steps          *int    `json:"steps,omitempty"`
	Width          *int    `json:"width,omitempty"`
	Height         *int    `json:"height,omitempty"`
	Style          *string `gorm:"type:varchar(64)" json:"style,omitempty"`
	SourcePath     *string `gorm:"type:varchar(1024)" json:"source_path,omitempty"`

	// Filled together with a success transition
	OutputPath *string `gorm:"type:varchar(1024)" json:"output_path,omitempty"`

	Status Status `gorm:"type:varchar(16);not null;index:idx_generations_status_created,priority:1" json:"status"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	NSFWTags   datatypes.JSONSlice[moderation.Tag] `gorm:"column:nsfw_tags" json:"nsfw_tags,omitempty"`
	NSFWAction *moderation.Action                  `gorm:"column:nsfw_action;type:varchar(8)" json:"nsfw_action,omitempty"`

	// Last time the stale sweep re-enqueued the job
	RequeuedAt *time.Time `json:"requeued_at,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_generations_status_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "generations" }

func (j *Job) HasOutput() bool {
	return j.OutputPath != nil && *j.OutputPath != ""
}

// Request builds the read-only snapshot handed to a backend.
func (j *Job) Request() backend.Request {
	return backend.Request{
		JobID:          j.ID,
		Operation:      j.Operation,
		Prompt:         j.Prompt,
		NegativePrompt: deref(j.NegativePrompt),
		Seed:           j.Seed,
		Steps:          derefInt(j.Steps),
		Width:          derefInt(j.Width),
		Height:         derefInt(j.Height),
		Style:          deref(j.Style),
		SourcePath:     deref(j.SourcePath),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
