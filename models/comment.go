package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Comment is discussion posted inside a cell, optionally about one of its ideas.
// ReachTier grows as idea-linked comments collect upvotes and decides how far
// the comment spreads into sibling cells.
type Comment struct {
	ID             string  `gorm:"primaryKey;type:uuid" json:"id"`
	DeliberationID string  `gorm:"type:uuid;not null;index" json:"deliberation_id"`
	CellID         string  `gorm:"type:uuid;not null;index" json:"cell_id"`
	IdeaID         *string `gorm:"type:uuid;index" json:"idea_id,omitempty"`
	UserID         string  `gorm:"not null" json:"user_id"`
	Text           string  `gorm:"type:text;not null" json:"text"`
	Tier           int     `gorm:"not null" json:"tier"`

	UpvoteCount int `gorm:"default:0" json:"upvote_count"`
	SpreadCount int `gorm:"default:0" json:"spread_count"`
	ReachTier   int `gorm:"default:0" json:"reach_tier"`

	Timestamps
}

func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

type CommentUpvote struct {
	CommentID string    `gorm:"primaryKey;type:uuid" json:"comment_id"`
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
