package services

import (
	"context"
	"fmt"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Finalization reasons.
const (
	ReasonGrace   = "grace"
	ReasonTimeout = "timeout"
)

// FinalizeCell closes a VOTING cell once its grace period or voting
// deadline has passed. It is a no-op for cells that are already closed
// or not yet due, so callbacks and the sweep can race freely. When the
// last cell of a batch closes, the batch's ideas are resolved; the tier
// is then checked for completion.
func (e *Engine) FinalizeCell(ctx context.Context, cellID, reason string) (bool, error) {
	if reason != ReasonGrace && reason != ReasonTimeout {
		return false, fmt.Errorf("unknown finalize reason %q", reason)
	}

	var (
		finalized bool
		cell      models.Cell
		winner    IdeaTally
	)
	err := e.tx(ctx, func(tx *gorm.DB) error {
		finalized = false
		var peek models.Cell
		if err := tx.Select("id", "deliberation_id").First(&peek, "id = ?", cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}
		d, err := lockDeliberation(tx, peek.DeliberationID)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cell, "id = ?", cellID).Error; err != nil {
			return err
		}
		if cell.Status != models.CellVoting {
			return nil
		}
		now := e.now()
		due := cell.FinalizesAt
		if reason == ReasonTimeout {
			due = cell.VotingDeadline
		}
		if due == nil || now.Before(*due) {
			return nil
		}

		var ideaIDs []string
		if err := tx.Model(&models.CellIdea{}).Where("cell_id = ?", cellID).Pluck("idea_id", &ideaIDs).Error; err != nil {
			return err
		}
		counted, err := tallyCells(tx, []string{cellID})
		if err != nil {
			return err
		}
		var tied, empty bool
		winner, tied, empty = pickWinner(fillTallies(ideaIDs, counted))
		if empty {
			metrics.Anomalies.WithLabelValues("cell_without_votes").Inc()
			e.Log.Warn("cell closed without votes, tie-break picks the winner",
				zap.String("deliberation_id", d.ID),
				zap.String("cell_id", cellID),
				zap.Int("tier", cell.Tier))
		} else if tied {
			e.Log.Info("cell tie broken", zap.String("cell_id", cellID), zap.String("idea_id", winner.IdeaID))
		}

		cell.Status = models.CellCompleted
		cell.CompletedAt = &now
		cell.CompletedByTimeout = reason == ReasonTimeout
		if winner.IdeaID != "" {
			cell.WinnerIdeaID = strPtr(winner.IdeaID)
		}
		if err := tx.Model(&cell).Updates(map[string]any{
			"status":               cell.Status,
			"completed_at":         now,
			"completed_by_timeout": cell.CompletedByTimeout,
			"winner_idea_id":       cell.WinnerIdeaID,
		}).Error; err != nil {
			return fmt.Errorf("complete cell: %w", err)
		}
		if err := tx.Model(&models.CellParticipation{}).
			Where("cell_id = ? AND status = ?", cellID, models.ParticipationActive).
			Update("status", models.ParticipationDropped).Error; err != nil {
			return err
		}
		finalized = true

		var open int64
		if err := tx.Model(&models.Cell{}).
			Where("deliberation_id = ? AND tier = ? AND batch = ? AND status <> ?", d.ID, cell.Tier, cell.Batch, models.CellCompleted).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		return e.resolveBatch(tx, d, cell.Tier, cell.Batch)
	})
	if err != nil || !finalized {
		return false, err
	}

	metrics.CellsFinalized.WithLabelValues(reason).Inc()
	e.progress.Remove(cell.DeliberationID)
	e.Log.Info("cell finalized",
		zap.String("deliberation_id", cell.DeliberationID),
		zap.String("cell_id", cellID),
		zap.Int("tier", cell.Tier),
		zap.Int("batch", cell.Batch),
		zap.String("reason", reason),
		zap.String("winner", winner.IdeaID),
		zap.Int("winner_xp", winner.XP))

	if _, err := e.CheckTierCompletion(ctx, cell.DeliberationID); err != nil {
		e.Log.Error("tier completion check failed",
			zap.String("deliberation_id", cell.DeliberationID),
			zap.Error(err))
	}
	return true, nil
}

// resolveBatch settles the ideas of a batch once all its cells are closed,
// using XP summed over those cells. The winner advances and the rest are
// eliminated. A defending champion keeps its status until the tier ends.
func (e *Engine) resolveBatch(tx *gorm.DB, d *models.Deliberation, tier, batch int) error {
	var cellIDs []string
	if err := tx.Model(&models.Cell{}).
		Where("deliberation_id = ? AND tier = ? AND batch = ?", d.ID, tier, batch).
		Order("id").Pluck("id", &cellIDs).Error; err != nil {
		return err
	}
	var ideaIDs []string
	if err := tx.Model(&models.CellIdea{}).
		Where("cell_id = ?", cellIDs[0]).
		Order("idea_id").Pluck("idea_id", &ideaIDs).Error; err != nil {
		return err
	}
	counted, err := tallyCells(tx, cellIDs)
	if err != nil {
		return err
	}
	winner, _, _ := pickWinner(fillTallies(ideaIDs, counted))

	championID := ""
	if d.ChampionID != nil {
		championID = *d.ChampionID
	}
	var losers []string
	for _, id := range ideaIDs {
		if id != winner.IdeaID && id != championID {
			losers = append(losers, id)
		}
	}

	if winner.IdeaID != championID {
		if err := tx.Model(&models.Idea{}).
			Where("id = ? AND status = ?", winner.IdeaID, models.IdeaInVoting).
			Update("status", models.IdeaAdvancing).Error; err != nil {
			return err
		}
		if championID != "" && containsString(ideaIDs, championID) {
			if err := tx.Model(&models.Idea{}).Where("id = ?", championID).
				Update("losses", gorm.Expr("losses + 1")).Error; err != nil {
				return err
			}
		}
	}
	if len(losers) > 0 {
		if err := tx.Model(&models.Idea{}).
			Where("id IN ? AND status = ?", losers, models.IdeaInVoting).
			Updates(map[string]any{
				"status": models.IdeaEliminated,
				"losses": gorm.Expr("losses + 1"),
			}).Error; err != nil {
			return err
		}
	}
	if err := tx.Model(&models.Cell{}).Where("id IN ?", cellIDs).
		Update("batch_winner_id", winner.IdeaID).Error; err != nil {
		return err
	}

	e.Log.Info("batch resolved",
		zap.String("deliberation_id", d.ID),
		zap.Int("tier", tier),
		zap.Int("batch", batch),
		zap.Int("cells", len(cellIDs)),
		zap.String("winner", winner.IdeaID),
		zap.Int("winner_xp", winner.XP))
	return nil
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
