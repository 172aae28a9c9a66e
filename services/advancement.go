package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tier outcomes.
const (
	TierWaiting  = "waiting"
	TierAdvanced = "advanced"
	TierChampion = "champion"
	TierStalled  = "stalled"
	TierIdle     = "idle"
)

// TierOutcome reports what CheckTierCompletion did.
type TierOutcome struct {
	Action     string   `json:"action"`
	Tier       int      `json:"tier"`
	Advancing  []string `json:"advancing,omitempty"`
	ChampionID string   `json:"champion_id,omitempty"`
	Cells      int      `json:"cells,omitempty"`
}

// CheckTierCompletion advances the deliberation once every cell of the
// current tier is COMPLETED. One advancing idea is crowned champion;
// several move on to a fresh tier. Safe to call at any time.
func (e *Engine) CheckTierCompletion(ctx context.Context, deliberationID string) (*TierOutcome, error) {
	var out TierOutcome
	err := e.tx(ctx, func(tx *gorm.DB) error {
		out = TierOutcome{}
		d, err := lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		out.Tier = d.CurrentTier
		if d.Phase != models.PhaseVoting {
			out.Action = TierIdle
			return nil
		}
		tier := d.CurrentTier

		if d.ContinuousFlow && tier == 1 {
			if e.poolOpen(d) {
				if d.SubmissionEndsAt != nil {
					out.Action = TierWaiting
					return nil
				}
				settled, err := tierSettled(tx, d.ID, tier)
				if err != nil {
					return err
				}
				if !settled {
					out.Action = TierWaiting
					return nil
				}
				// An open-ended pool closes once every cell it formed is done.
				if err := e.closePool(tx, d); err != nil {
					return err
				}
			}
			formed, err := e.flushPool(tx, d)
			if err != nil {
				return err
			}
			if formed > 0 {
				out.Action = TierWaiting
				return nil
			}
		}

		var total, open int64
		if err := tx.Model(&models.Cell{}).Where("deliberation_id = ? AND tier = ?", d.ID, tier).Count(&total).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Cell{}).
			Where("deliberation_id = ? AND tier = ? AND status <> ?", d.ID, tier, models.CellCompleted).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			out.Action = TierWaiting
			return nil
		}

		advancing, err := advancingIdeas(tx, d, tier)
		if err != nil {
			return err
		}
		if total == 0 && len(advancing) == 0 {
			out.Action = TierWaiting
			return nil
		}
		out.Advancing = advancing

		switch len(advancing) {
		case 0:
			metrics.Anomalies.WithLabelValues("no_advancing_ideas").Inc()
			e.Log.Warn("tier completed without advancing ideas",
				zap.String("deliberation_id", d.ID),
				zap.Int("tier", tier))
			out.Action = TierStalled
			return nil
		case 1:
			out.Action = TierChampion
			out.ChampionID = advancing[0]
			return e.declareChampion(tx, d, advancing[0], tier)
		default:
			out.Action = TierAdvanced
			cells, err := e.advanceTier(tx, d, tier, advancing)
			out.Cells = cells
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	if out.Action == TierAdvanced || out.Action == TierChampion {
		e.progress.Remove(deliberationID)
	}
	return &out, nil
}

// tierSettled reports whether a tier has cells and all of them are COMPLETED.
func tierSettled(tx *gorm.DB, deliberationID string, tier int) (bool, error) {
	var total, open int64
	if err := tx.Model(&models.Cell{}).Where("deliberation_id = ? AND tier = ?", deliberationID, tier).Count(&total).Error; err != nil {
		return false, err
	}
	if err := tx.Model(&models.Cell{}).
		Where("deliberation_id = ? AND tier = ? AND status <> ?", deliberationID, tier, models.CellCompleted).
		Count(&open).Error; err != nil {
		return false, err
	}
	return total > 0 && open == 0, nil
}

// closePool stamps the end of submissions on a continuous-flow
// deliberation. Later ideas wait as challengers.
func (e *Engine) closePool(tx *gorm.DB, d *models.Deliberation) error {
	now := e.now()
	d.SubmissionEndsAt = &now
	if err := saveDeliberation(tx, d); err != nil {
		return err
	}
	e.Log.Info("continuous pool closed", zap.String("deliberation_id", d.ID))
	return nil
}

// advancingIdeas lists ideas leaving the tier: every ADVANCING idea plus a
// defending champion that won at least one batch.
func advancingIdeas(tx *gorm.DB, d *models.Deliberation, tier int) ([]string, error) {
	var ids []string
	if err := tx.Model(&models.Idea{}).
		Where("deliberation_id = ? AND tier = ? AND status = ?", d.ID, tier, models.IdeaAdvancing).
		Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if d.ChampionID == nil {
		return ids, nil
	}
	var won int64
	if err := tx.Model(&models.Cell{}).
		Joins("JOIN ideas ON ideas.id = cells.batch_winner_id").
		Where("cells.deliberation_id = ? AND cells.tier = ? AND cells.batch_winner_id = ? AND ideas.status = ?",
			d.ID, tier, *d.ChampionID, models.IdeaDefending).
		Count(&won).Error; err != nil {
		return nil, err
	}
	if won > 0 {
		ids = sortedIDs(append(ids, *d.ChampionID))
	}
	return ids, nil
}

func (e *Engine) advanceTier(tx *gorm.DB, d *models.Deliberation, tier int, advancing []string) (int, error) {
	next := tier + 1
	championID := ""
	if d.ChampionID != nil && containsString(advancing, *d.ChampionID) {
		championID = *d.ChampionID
	}
	var challengers []string
	for _, id := range advancing {
		if id != championID {
			challengers = append(challengers, id)
		}
	}

	reset := map[string]any{"tier": next}
	if err := tx.Model(&models.Idea{}).Where("id IN ?", challengers).
		Updates(withStatus(reset, models.IdeaInVoting)).Error; err != nil {
		return 0, fmt.Errorf("promote ideas: %w", err)
	}

	var batches [][]string
	if championID != "" {
		if err := tx.Model(&models.Idea{}).Where("id = ?", championID).Updates(reset).Error; err != nil {
			return 0, err
		}
		batches = challengeBatches(championID, sortedIDs(challengers), d.CellSize)
	} else {
		batches = partitionIdeas(sortedIDs(advancing), d.CellSize)
	}

	if err := writeTierResult(tx, d.ID, tier, advancing); err != nil {
		return 0, err
	}
	now := e.now()
	d.CurrentTier = next
	d.CurrentTierStartedAt = &now
	if err := saveDeliberation(tx, d); err != nil {
		return 0, err
	}
	cells, err := e.formTier(tx, d, next, batches)
	if err != nil {
		return 0, err
	}
	if err := addEvent(tx, d.ID, models.EventTierAdvanced, TierAdvancedEvent{
		DeliberationID: d.ID,
		FromTier:       tier,
		ToTier:         next,
		Advancing:      advancing,
		Cells:          cells,
	}); err != nil {
		return 0, err
	}

	metrics.TiersAdvanced.Inc()
	e.Log.Info("tier advanced",
		zap.String("deliberation_id", d.ID),
		zap.Int("from", tier),
		zap.Int("to", next),
		zap.Int("ideas", len(advancing)),
		zap.Int("cells", cells))
	return cells, nil
}

// declareChampion crowns ideaID. A previous champion is retired. The
// deliberation either waits for challengers or completes.
func (e *Engine) declareChampion(tx *gorm.DB, d *models.Deliberation, ideaID string, tier int) error {
	var idea models.Idea
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&idea, "id = ?", ideaID).Error; err != nil {
		return err
	}
	defended := d.ChampionID != nil && *d.ChampionID == ideaID
	if d.ChampionID != nil && !defended {
		if err := tx.Model(&models.Idea{}).Where("id = ?", *d.ChampionID).
			Updates(map[string]any{"status": models.IdeaRetired, "is_champion": false}).Error; err != nil {
			return fmt.Errorf("retire champion: %w", err)
		}
	}
	idea.Status = models.IdeaWinner
	idea.IsChampion = true
	if err := tx.Model(&idea).Updates(map[string]any{"status": idea.Status, "is_champion": true}).Error; err != nil {
		return fmt.Errorf("crown champion: %w", err)
	}

	now := e.now()
	d.ChampionID = strPtr(ideaID)
	if err := writeTierResult(tx, d.ID, tier, []string{ideaID}); err != nil {
		return err
	}

	if d.AccumulationEnabled {
		d.Phase = models.PhaseAccumulating
		d.AccumulationEndsAt = timePtr(now.Add(minutes(d.AccumulationMins)))
		d.AccumulationExtensions = 0
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaSubmitted).
			Update("status", models.IdeaPending).Error; err != nil {
			return err
		}
	} else {
		d.Phase = models.PhaseCompleted
		d.CompletedAt = &now
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND status IN ?", d.ID, []string{models.IdeaPending, models.IdeaSubmitted}).
			Update("status", models.IdeaBenched).Error; err != nil {
			return err
		}
	}
	if err := saveDeliberation(tx, d); err != nil {
		return err
	}

	evt := ChampionEvent{
		DeliberationID: d.ID,
		Question:       d.Question,
		Champion:       idea,
		Defended:       defended,
	}
	if !defended {
		var voters int64
		if err := tx.Model(&models.Vote{}).Where("deliberation_id = ?", d.ID).
			Distinct("user_id").Count(&voters).Error; err != nil {
			return err
		}
		sum := sha256.Sum256([]byte(idea.Text))
		record := models.ChampionRecord{
			DeliberationID: d.ID,
			IdeaID:         ideaID,
			TextHash:       hex.EncodeToString(sum[:]),
			TotalTiers:     tier,
			TotalVoters:    int(voters),
			ChallengeRound: d.ChallengeRound,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("write champion record: %w", err)
		}
		evt.Record = &record
	}
	if err := tx.Where("deliberation_id = ?", d.ID).Order("tier").Find(&evt.Tiers).Error; err != nil {
		return err
	}
	if err := addEvent(tx, d.ID, models.EventChampionDeclared, evt); err != nil {
		return err
	}

	metrics.ChampionsDeclared.Inc()
	e.Log.Info("champion declared",
		zap.String("deliberation_id", d.ID),
		zap.String("idea_id", ideaID),
		zap.Int("tier", tier),
		zap.Bool("defended", defended),
		zap.String("phase", d.Phase))
	return nil
}

// writeTierResult stores the audit row of a finished tier once.
func writeTierResult(tx *gorm.DB, deliberationID string, tier int, advancing []string) error {
	var tallies []IdeaTally
	if err := tx.Model(&models.Vote{}).
		Select("idea_id, SUM(xp_points) AS xp, COUNT(DISTINCT user_id) AS voters").
		Where("deliberation_id = ? AND tier = ?", deliberationID, tier).
		Group("idea_id").
		Scan(&tallies).Error; err != nil {
		return err
	}
	xp := make(map[string]int, len(tallies))
	for _, t := range tallies {
		xp[t.IdeaID] = t.XP
	}
	var cells, voters int64
	if err := tx.Model(&models.Cell{}).Where("deliberation_id = ? AND tier = ?", deliberationID, tier).Count(&cells).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Vote{}).Where("deliberation_id = ? AND tier = ?", deliberationID, tier).
		Distinct("user_id").Count(&voters).Error; err != nil {
		return err
	}

	advJSON, err := json.Marshal(advancing)
	if err != nil {
		return err
	}
	xpJSON, err := json.Marshal(xp)
	if err != nil {
		return err
	}
	result := models.TierResult{
		DeliberationID: deliberationID,
		Tier:           tier,
		Advancing:      datatypes.JSON(advJSON),
		XPTotals:       datatypes.JSON(xpJSON),
		CellCount:      int(cells),
		VoterCount:     int(voters),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&result).Error
}

func withStatus(m map[string]any, status string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["status"] = status
	return out
}
