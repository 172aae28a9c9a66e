package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TierResult records which ideas left a tier and the XP each idea collected there.
type TierResult struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	DeliberationID string         `gorm:"type:uuid;not null;uniqueIndex:idx_tier_result,priority:1" json:"deliberation_id"`
	Tier           int            `gorm:"not null;uniqueIndex:idx_tier_result,priority:2" json:"tier"`
	Advancing      datatypes.JSON `json:"advancing"` // []string idea ids
	XPTotals       datatypes.JSON `json:"xp_totals"` // map idea id -> xp
	CellCount      int            `json:"cell_count"`
	VoterCount     int            `json:"voter_count"`
	RecordedAt     time.Time      `gorm:"autoCreateTime" json:"recorded_at"`
}

func (r *TierResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ChampionRecord is written every time a deliberation crowns a new champion.
type ChampionRecord struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	DeliberationID string    `gorm:"type:uuid;not null;index" json:"deliberation_id"`
	IdeaID         string    `gorm:"type:uuid;not null" json:"idea_id"`
	TextHash       string    `gorm:"type:char(64);not null" json:"text_hash"`
	TotalTiers     int       `json:"total_tiers"`
	TotalVoters    int       `json:"total_voters"`
	ChallengeRound int       `json:"challenge_round"`
	DeclaredAt     time.Time `gorm:"autoCreateTime" json:"declared_at"`
}

func (r *ChampionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
