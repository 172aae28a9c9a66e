package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CellVoting       = "VOTING"
	CellDeliberating = "DELIBERATING"
	CellCompleted    = "COMPLETED"
)

// Cell is a small voting group over a fixed idea set at one tier.
// Cells sharing a Batch vote on the same ideas.
type Cell struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	DeliberationID string `gorm:"type:uuid;not null;index:idx_cell_tier,priority:1" json:"deliberation_id"`
	Tier           int    `gorm:"not null;index:idx_cell_tier,priority:2" json:"tier"`
	Batch          int    `gorm:"not null;default:0" json:"batch"`
	Status         string `gorm:"type:varchar(20);default:'VOTING';index" json:"status"`

	DiscussionEndsAt   *time.Time `json:"discussion_ends_at,omitempty"`
	VotingDeadline     *time.Time `gorm:"index" json:"voting_deadline,omitempty"`
	FinalizesAt        *time.Time `gorm:"index" json:"finalizes_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CompletedByTimeout bool       `gorm:"default:false" json:"completed_by_timeout"`

	WinnerIdeaID  *string `gorm:"type:uuid" json:"winner_idea_id,omitempty"`
	BatchWinnerID *string `gorm:"type:uuid" json:"batch_winner_id,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (c *Cell) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// IsOpen reports whether the cell still accepts participants.
func (c *Cell) IsOpen() bool {
	return (c.Status == CellVoting || c.Status == CellDeliberating) && c.FinalizesAt == nil
}

// CellIdea pins an idea to a cell. Rows are written once, when the cell is created.
type CellIdea struct {
	CellID string `gorm:"primaryKey;type:uuid" json:"cell_id"`
	IdeaID string `gorm:"primaryKey;type:uuid;index" json:"idea_id"`
}

const (
	ParticipationActive  = "ACTIVE"
	ParticipationVoted   = "VOTED"
	ParticipationDropped = "DROPPED"
)

type CellParticipation struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"id"`
	CellID         string     `gorm:"type:uuid;not null;uniqueIndex:idx_cell_user,priority:1" json:"cell_id"`
	UserID         string     `gorm:"not null;uniqueIndex:idx_cell_user,priority:2;index:idx_part_user_tier,priority:2" json:"user_id"`
	DeliberationID string     `gorm:"type:uuid;not null;index:idx_part_user_tier,priority:1" json:"deliberation_id"`
	Tier           int        `gorm:"not null;index:idx_part_user_tier,priority:3" json:"tier"`
	Batch          int        `gorm:"not null;default:0" json:"batch"`
	Status         string     `gorm:"type:varchar(10);default:'ACTIVE'" json:"status"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	VotedAt        *time.Time `json:"voted_at,omitempty"`
}

func (p *CellParticipation) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Vote is one allocation of XP points by a user to an idea inside a cell.
type Vote struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	CellID         string    `gorm:"type:uuid;not null;uniqueIndex:idx_vote_cell_user_idea,priority:1" json:"cell_id"`
	UserID         string    `gorm:"not null;uniqueIndex:idx_vote_cell_user_idea,priority:2" json:"user_id"`
	IdeaID         string    `gorm:"type:uuid;not null;uniqueIndex:idx_vote_cell_user_idea,priority:3;index:idx_vote_idea_tier,priority:1" json:"idea_id"`
	DeliberationID string    `gorm:"type:uuid;not null;index" json:"deliberation_id"`
	Tier           int       `gorm:"not null;index:idx_vote_idea_tier,priority:2" json:"tier"`
	XPPoints       int       `gorm:"column:xp_points;not null" json:"xp_points"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (v *Vote) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}
