package services

import (
	"context"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Challenge round results.
const (
	ChallengeStarted   = "started"
	ChallengeExtended  = "extended"
	ChallengeCompleted = "completed"
)

// ChallengeOutcome reports what StartChallengeRound did.
type ChallengeOutcome struct {
	Result      string `json:"result"`
	Tier        int    `json:"tier"`
	Challengers int    `json:"challengers"`
	Cells       int    `json:"cells"`
}

// StartChallengeRound pits the pending challengers against the champion.
// Every cell holds the defending champion and up to cellSize-1
// challengers. With no challengers the accumulation window is extended
// (when allowed) or the deliberation completes.
func (e *Engine) StartChallengeRound(ctx context.Context, deliberationID string, extendIfEmpty bool) (*ChallengeOutcome, error) {
	var out ChallengeOutcome
	err := e.tx(ctx, func(tx *gorm.DB) error {
		out = ChallengeOutcome{}
		d, err := lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != models.PhaseAccumulating {
			return ErrNotAccumulating.WithDetail("phase is %s", d.Phase)
		}

		var challengers []string
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaPending).
			Order("id").Pluck("id", &challengers).Error; err != nil {
			return err
		}
		now := e.now()
		out.Tier = d.CurrentTier
		out.Challengers = len(challengers)

		if len(challengers) == 0 {
			if extendIfEmpty && d.AccumulationExtensions < maxAccumulationExtensions {
				d.AccumulationEndsAt = timePtr(now.Add(minutes(d.AccumulationMins)))
				d.AccumulationExtensions++
				out.Result = ChallengeExtended
			} else {
				d.Phase = models.PhaseCompleted
				d.CompletedAt = &now
				d.AccumulationEndsAt = nil
				out.Result = ChallengeCompleted
			}
			return saveDeliberation(tx, d)
		}

		next := d.CurrentTier + 1
		reset := map[string]any{"tier": next}
		if err := tx.Model(&models.Idea{}).Where("id IN ?", challengers).
			Updates(withStatus(reset, models.IdeaInVoting)).Error; err != nil {
			return err
		}

		var batches [][]string
		if d.ChampionID != nil {
			if err := tx.Model(&models.Idea{}).Where("id = ?", *d.ChampionID).
				Updates(withStatus(reset, models.IdeaDefending)).Error; err != nil {
				return err
			}
			batches = challengeBatches(*d.ChampionID, challengers, d.CellSize)
		} else {
			metrics.Anomalies.WithLabelValues("accumulating_without_champion").Inc()
			e.Log.Warn("challenge round without a champion, running a plain tier",
				zap.String("deliberation_id", d.ID))
			batches = partitionIdeas(challengers, d.CellSize)
		}

		d.Phase = models.PhaseVoting
		d.CurrentTier = next
		d.CurrentTierStartedAt = &now
		d.ChallengeRound++
		d.AccumulationEndsAt = nil
		d.AccumulationExtensions = 0
		if err := saveDeliberation(tx, d); err != nil {
			return err
		}

		if d.ChampionID == nil && len(challengers) == 1 {
			out.Result = ChallengeStarted
			return e.declareChampion(tx, d, challengers[0], next)
		}
		cells, err := e.formTier(tx, d, next, batches)
		if err != nil {
			return err
		}
		out.Result = ChallengeStarted
		out.Tier = next
		out.Cells = cells
		return addEvent(tx, d.ID, models.EventTierAdvanced, TierAdvancedEvent{
			DeliberationID: d.ID,
			FromTier:       next - 1,
			ToTier:         next,
			Advancing:      append([]string(nil), challengers...),
			Cells:          cells,
		})
	})
	if err != nil {
		return nil, err
	}
	e.progress.Remove(deliberationID)
	e.Log.Info("challenge round processed",
		zap.String("deliberation_id", deliberationID),
		zap.String("result", out.Result),
		zap.Int("challengers", out.Challengers),
		zap.Int("cells", out.Cells))
	return &out, nil
}
