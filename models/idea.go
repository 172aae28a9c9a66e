package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	IdeaPending    = "PENDING"
	IdeaSubmitted  = "SUBMITTED"
	IdeaInVoting   = "IN_VOTING"
	IdeaAdvancing  = "ADVANCING"
	IdeaDefending  = "DEFENDING"
	IdeaWinner     = "WINNER"
	IdeaEliminated = "ELIMINATED"
	IdeaBenched    = "BENCHED"
	IdeaRetired    = "RETIRED"
)

// Idea is a proposal competing inside a deliberation. TotalVotes and
// TotalXP always mirror every vote cast for the idea, at any tier.
type Idea struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	DeliberationID string `gorm:"type:uuid;not null;index;uniqueIndex:idx_idea_normalized,priority:1" json:"deliberation_id"`
	AuthorID       string `gorm:"index;not null" json:"author_id"`
	Text           string `gorm:"type:text;not null" json:"text"`
	NormalizedText string `gorm:"type:text;not null;uniqueIndex:idx_idea_normalized,priority:2" json:"-"`

	Status     string `gorm:"type:varchar(20);default:'SUBMITTED';index" json:"status"`
	Tier       int    `gorm:"default:0" json:"tier"`
	TotalVotes int    `gorm:"default:0" json:"total_votes"`
	TotalXP    int    `gorm:"column:total_xp;default:0" json:"total_xp"`
	IsChampion bool   `gorm:"default:false" json:"is_champion"`
	Losses     int    `gorm:"default:0" json:"losses"`

	Timestamps
}

func (i *Idea) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
