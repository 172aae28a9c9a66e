package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PhaseSubmission   = "SUBMISSION"
	PhaseAccumulating = "ACCUMULATING"
	PhaseVoting       = "VOTING"
	PhaseCompleted    = "COMPLETED"
)

const (
	AllocationFCFS     = "fcfs"
	AllocationBalanced = "balanced"
)

// Deliberation is one question run through the tiered cell tournament.
type Deliberation struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	Slug        string `gorm:"uniqueIndex;not null" json:"slug"`
	Question    string `gorm:"type:text;not null" json:"question"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	CreatorID   string `gorm:"index;not null" json:"creator_id"`

	Phase          string `gorm:"type:varchar(20);default:'SUBMISSION';index" json:"phase"`
	CurrentTier    int    `gorm:"default:1" json:"current_tier"`
	AllocationMode string `gorm:"type:varchar(10);default:'fcfs'" json:"allocation_mode"`
	ContinuousFlow bool   `gorm:"default:false" json:"continuous_flow"`
	CellSize       int    `gorm:"default:5" json:"cell_size"`
	// Users may vote in one cell per batch instead of one cell per tier.
	AllowMultipleCells bool `gorm:"default:false" json:"allow_multiple_cells"`

	SubmissionMins       int        `gorm:"default:0" json:"submission_mins"`
	SubmissionEndsAt     *time.Time `gorm:"index" json:"submission_ends_at,omitempty"`
	CurrentTierStartedAt *time.Time `json:"current_tier_started_at,omitempty"`
	VotingTimeoutMins    int        `gorm:"default:60" json:"voting_timeout_mins"`
	DiscussionMins       int        `gorm:"default:0" json:"discussion_mins"`

	AccumulationEnabled    bool       `gorm:"default:false" json:"accumulation_enabled"`
	AccumulationMins       int        `gorm:"default:1440" json:"accumulation_mins"`
	AccumulationEndsAt     *time.Time `gorm:"index" json:"accumulation_ends_at,omitempty"`
	AccumulationExtensions int        `gorm:"default:0" json:"accumulation_extensions"`
	ChallengeRound         int        `gorm:"default:0" json:"challenge_round"`

	ChampionID  *string    `gorm:"type:uuid" json:"champion_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Timestamps
}

func (d *Deliberation) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// IsBalanced reports whether participants are pre-assigned to cells.
func (d *Deliberation) IsBalanced() bool {
	return d.AllocationMode == AllocationBalanced
}

const (
	RoleMember      = "member"
	RoleFacilitator = "facilitator"
)

// Member is a user enrolled in a deliberation. Balanced allocation
// deals members into cells when a tier starts.
type Member struct {
	DeliberationID string    `gorm:"primaryKey;type:uuid" json:"deliberation_id"`
	UserID         string    `gorm:"primaryKey" json:"user_id"`
	Role           string    `gorm:"type:varchar(20);default:'member'" json:"role"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
