package generation

import (
	"time"

	"github.com/suPer8Hu/genstudio/internal/moderation"
	"gorm.io/datatypes"
)

// ModerationReview is the audit record of one human decision. Rows are only
// ever inserted.
type ModerationReview struct {
	ID         string                              `gorm:"primaryKey;size:36" json:"id"`
	JobID      string                              `gorm:"size:26;index;not null" json:"job_id"`
	ReviewerID uint64                              `gorm:"index;not null" json:"reviewer_id"`
	Action     moderation.Action                   `gorm:"type:varchar(8);not null" json:"action"`
	Tags       datatypes.JSONSlice[moderation.Tag] `json:"tags,omitempty"`
	Notes      *string                             `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt  time.Time                           `gorm:"index" json:"created_at"`
}

func (ModerationReview) TableName() string { return "moderation_reviews" }
