package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EventVoteCast         = "vote_cast"
	EventCommentPollinate = "comment_up_pollinate"
	EventTierAdvanced     = "deliberation_tier_advanced"
	EventChampionDeclared = "champion_declared"
)

// OutboxEvent is a notification written in the same transaction as the
// state change it describes and delivered later by the dispatcher.
type OutboxEvent struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DeliberationID string         `gorm:"type:uuid;index;not null" json:"deliberation_id"`
	Type           string         `gorm:"type:varchar(40);not null" json:"type"`
	Payload        datatypes.JSON `json:"payload"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	Failed         bool           `gorm:"default:false" json:"failed"`
	ClaimedUntil   *time.Time     `json:"-"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty"`
	ProcessedAt    *time.Time     `gorm:"index" json:"processed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
