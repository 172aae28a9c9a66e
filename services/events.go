package services

import (
	"encoding/json"
	"fmt"

	"chant-service/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VoteCastEvent is the payload of vote_cast.
type VoteCastEvent struct {
	DeliberationID string `json:"deliberation_id"`
	CellID         string `json:"cell_id"`
	UserID         string `json:"user_id"`
	Tier           int    `json:"tier"`
	VoterCount     int    `json:"voter_count"`
	AllVoted       bool   `json:"all_voted"`
}

// PollinateEvent is the payload of comment_up_pollinate.
type PollinateEvent struct {
	DeliberationID string `json:"deliberation_id"`
	CommentID      string `json:"comment_id"`
	CellID         string `json:"cell_id"`
	ReachTier      int    `json:"reach_tier"`
	SpreadCount    int    `json:"spread_count"`
}

// TierAdvancedEvent is the payload of deliberation_tier_advanced.
type TierAdvancedEvent struct {
	DeliberationID string   `json:"deliberation_id"`
	FromTier       int      `json:"from_tier"`
	ToTier         int      `json:"to_tier"`
	Advancing      []string `json:"advancing"`
	Cells          int      `json:"cells"`
}

// ChampionEvent is the payload of champion_declared. It carries the full
// audit bundle so consumers need no database access.
type ChampionEvent struct {
	DeliberationID string                 `json:"deliberation_id"`
	Question       string                 `json:"question"`
	Champion       models.Idea            `json:"champion"`
	Defended       bool                   `json:"defended"`
	Record         *models.ChampionRecord `json:"record,omitempty"`
	Tiers          []models.TierResult    `json:"tiers"`
}

// addEvent writes an outbox row inside tx. Delivery happens after commit.
func addEvent(tx *gorm.DB, deliberationID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	evt := models.OutboxEvent{
		DeliberationID: deliberationID,
		Type:           eventType,
		Payload:        datatypes.JSON(data),
	}
	if err := tx.Create(&evt).Error; err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}
