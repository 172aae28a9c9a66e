package services

import (
	"fmt"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// createCell inserts a cell over a fixed idea set. Cells start in a
// discussion window when the deliberation asks for one.
func (e *Engine) createCell(tx *gorm.DB, d *models.Deliberation, tier, batch int, ideaIDs []string) (*models.Cell, error) {
	now := e.now()
	cell := models.Cell{
		DeliberationID: d.ID,
		Tier:           tier,
		Batch:          batch,
		Status:         models.CellVoting,
	}
	votingStarts := now
	if d.DiscussionMins > 0 {
		cell.Status = models.CellDeliberating
		votingStarts = now.Add(minutes(d.DiscussionMins))
		cell.DiscussionEndsAt = &votingStarts
	}
	if d.VotingTimeoutMins > 0 {
		cell.VotingDeadline = timePtr(votingStarts.Add(minutes(d.VotingTimeoutMins)))
	}
	if err := tx.Create(&cell).Error; err != nil {
		return nil, fmt.Errorf("create cell: %w", err)
	}

	links := make([]models.CellIdea, 0, len(ideaIDs))
	for _, id := range ideaIDs {
		links = append(links, models.CellIdea{CellID: cell.ID, IdeaID: id})
	}
	if err := tx.Create(&links).Error; err != nil {
		return nil, fmt.Errorf("link cell ideas: %w", err)
	}
	return &cell, nil
}

// formTier creates the cells of a tier, one batch per idea group. In
// balanced mode eligible members are shuffled into the cells up front;
// otherwise cells start empty and fill first come first served.
func (e *Engine) formTier(tx *gorm.DB, d *models.Deliberation, tier int, batches [][]string) (int, error) {
	return e.formTierFrom(tx, d, tier, 0, batches)
}

func (e *Engine) formTierFrom(tx *gorm.DB, d *models.Deliberation, tier, firstBatch int, batches [][]string) (int, error) {
	if !d.IsBalanced() {
		for i, ideas := range batches {
			if _, err := e.createCell(tx, d, tier, firstBatch+i, ideas); err != nil {
				return 0, err
			}
		}
		return len(batches), nil
	}

	members, err := eligibleMembers(tx, d.ID, tier)
	if err != nil {
		return 0, err
	}
	plans := planBalancedCells(len(batches), members, d.CellSize, e.shuffle)
	for _, plan := range plans {
		batch := firstBatch + plan.Batch
		cell, err := e.createCell(tx, d, tier, batch, batches[plan.Batch])
		if err != nil {
			return 0, err
		}
		for _, userID := range plan.Members {
			p := models.CellParticipation{
				CellID:         cell.ID,
				UserID:         userID,
				DeliberationID: d.ID,
				Tier:           tier,
				Batch:          batch,
				Status:         models.ParticipationActive,
			}
			if err := tx.Create(&p).Error; err != nil {
				return 0, fmt.Errorf("assign %s to cell: %w", userID, err)
			}
		}
		metrics.CellJoins.WithLabelValues("assigned").Add(float64(len(plan.Members)))
	}
	e.Log.Debug("balanced tier formed",
		zap.String("deliberation_id", d.ID),
		zap.Int("tier", tier),
		zap.Int("members", len(members)),
		zap.Int("cells", len(plans)))
	return len(plans), nil
}

// eligibleMembers lists members who may be dealt into a tier. Anyone who
// dropped out of the previous tier sits this one out.
func eligibleMembers(tx *gorm.DB, deliberationID string, tier int) ([]string, error) {
	q := tx.Model(&models.Member{}).Where("deliberation_id = ?", deliberationID)
	if tier > 1 {
		dropped := tx.Model(&models.CellParticipation{}).Select("user_id").
			Where("deliberation_id = ? AND tier = ? AND status = ?", deliberationID, tier-1, models.ParticipationDropped)
		q = q.Where("user_id NOT IN (?)", dropped)
	}
	var ids []string
	if err := q.Order("user_id").Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load eligible members: %w", err)
	}
	return ids, nil
}

// nextBatch returns the first unused batch index at a tier.
func nextBatch(tx *gorm.DB, deliberationID string, tier int) (int, error) {
	var next int
	err := tx.Model(&models.Cell{}).
		Select("COALESCE(MAX(batch), -1) + 1").
		Where("deliberation_id = ? AND tier = ?", deliberationID, tier).
		Scan(&next).Error
	return next, err
}

// formPoolCells turns the continuous-flow pool into tier 1 cells, one
// full cell at a time. The first cell formed opens voting.
func (e *Engine) formPoolCells(tx *gorm.DB, d *models.Deliberation) (int, error) {
	var pool []string
	if err := tx.Model(&models.Idea{}).
		Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaSubmitted).
		Order("created_at, id").Pluck("id", &pool).Error; err != nil {
		return 0, err
	}
	formed := 0
	for len(pool) >= d.CellSize {
		if err := e.poolCell(tx, d, sortedIDs(pool[:d.CellSize])); err != nil {
			return formed, err
		}
		pool = pool[d.CellSize:]
		formed++
	}
	return formed, nil
}

// flushPool forms the leftover pool once submissions close. Two or more
// ideas still get a cell; a single idea advances on a bye.
func (e *Engine) flushPool(tx *gorm.DB, d *models.Deliberation) (int, error) {
	var pool []string
	if err := tx.Model(&models.Idea{}).
		Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaSubmitted).
		Order("id").Pluck("id", &pool).Error; err != nil {
		return 0, err
	}
	switch {
	case len(pool) == 0:
		return 0, nil
	case len(pool) == 1:
		if d.Phase != models.PhaseVoting {
			return 0, nil
		}
		e.Log.Info("pool remainder advances on a bye", zap.String("deliberation_id", d.ID), zap.String("idea_id", pool[0]))
		return 0, tx.Model(&models.Idea{}).Where("id = ?", pool[0]).
			Updates(map[string]any{"status": models.IdeaAdvancing, "tier": 1}).Error
	}
	formed := 0
	for _, batch := range partitionIdeas(pool, d.CellSize) {
		if err := e.poolCell(tx, d, batch); err != nil {
			return formed, err
		}
		formed++
	}
	return formed, nil
}

func (e *Engine) poolCell(tx *gorm.DB, d *models.Deliberation, ideaIDs []string) error {
	batch, err := nextBatch(tx, d.ID, 1)
	if err != nil {
		return err
	}
	if err := tx.Model(&models.Idea{}).Where("id IN ?", ideaIDs).
		Updates(map[string]any{"status": models.IdeaInVoting, "tier": 1}).Error; err != nil {
		return err
	}
	if _, err := e.createCell(tx, d, 1, batch, ideaIDs); err != nil {
		return err
	}
	if d.Phase == models.PhaseSubmission {
		now := e.now()
		d.Phase = models.PhaseVoting
		d.CurrentTier = 1
		d.CurrentTierStartedAt = &now
		if err := saveDeliberation(tx, d); err != nil {
			return err
		}
	}
	e.Log.Info("pool cell formed",
		zap.String("deliberation_id", d.ID),
		zap.Int("batch", batch),
		zap.Int("ideas", len(ideaIDs)))
	return nil
}
