package services

import (
	"context"
	"fmt"

	"chant-service/database"
	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CellRef describes the cell a user was placed in.
type CellRef struct {
	CellID       string   `json:"cell_id"`
	Tier         int      `json:"tier"`
	Batch        int      `json:"batch"`
	Status       string   `json:"status"`
	IdeaIDs      []string `json:"idea_ids"`
	Participants int      `json:"participants"`
	Created      bool     `json:"created"`
}

type openCell struct {
	ID           string
	Batch        int
	Participants int
}

// EnterCell places a user in a cell of the current tier. An open cell
// with room is joined, emptiest first; when every cell is full a new one
// is opened in the batch with the fewest participants. Calling it again
// returns the cell the user already holds.
func (e *Engine) EnterCell(ctx context.Context, deliberationID, userID string) (*CellRef, error) {
	d, err := e.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return nil, err
	}
	if d.Phase != models.PhaseVoting {
		return nil, ErrNotVoting.WithDetail("phase is %s", d.Phase)
	}

	db := e.DB.WithContext(ctx)
	ref, exclude, err := e.existingSeat(db, d, d.CurrentTier, userID)
	if err != nil || ref != nil {
		return ref, err
	}

	candidates, err := openCells(db, d, d.CurrentTier, exclude)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		ref, err := e.tryJoin(ctx, d, c.ID, userID)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return e.createAndJoin(ctx, d.ID, userID)
}

// existingSeat returns the user's open cell at tier, or the batches the
// user already used there.
func (e *Engine) existingSeat(tx *gorm.DB, d *models.Deliberation, tier int, userID string) (*CellRef, []int, error) {
	var parts []models.CellParticipation
	if err := tx.Where("deliberation_id = ? AND tier = ? AND user_id = ?", d.ID, tier, userID).
		Find(&parts).Error; err != nil {
		return nil, nil, fmt.Errorf("load participations: %w", err)
	}
	var exclude []int
	voted := false
	for _, p := range parts {
		exclude = append(exclude, p.Batch)
		switch p.Status {
		case models.ParticipationVoted:
			voted = true
		case models.ParticipationActive:
			var cell models.Cell
			if err := tx.First(&cell, "id = ?", p.CellID).Error; err != nil {
				return nil, nil, err
			}
			if cell.Status != models.CellCompleted {
				ref, err := cellRef(tx, &cell, false)
				return ref, nil, err
			}
		}
	}
	if voted && !d.AllowMultipleCells {
		return nil, nil, ErrAlreadyVoted
	}
	return nil, exclude, nil
}

// openCells lists joinable cells with room, emptiest first.
func openCells(tx *gorm.DB, d *models.Deliberation, tier int, excludeBatches []int) ([]openCell, error) {
	q := tx.Table("cells AS c").
		Select("c.id, c.batch, COUNT(p.id) AS participants").
		Joins("LEFT JOIN cell_participations AS p ON p.cell_id = c.id AND p.status <> ?", models.ParticipationDropped).
		Where("c.deliberation_id = ? AND c.tier = ? AND c.status IN ? AND c.finalizes_at IS NULL",
			d.ID, tier, []string{models.CellVoting, models.CellDeliberating})
	if len(excludeBatches) > 0 {
		q = q.Where("c.batch NOT IN ?", excludeBatches)
	}
	var cells []openCell
	err := q.Group("c.id, c.batch, c.created_at").
		Having("COUNT(p.id) < ?", d.CellSize).
		Order("participants ASC, c.created_at ASC, c.id ASC").
		Scan(&cells).Error
	if err != nil {
		return nil, fmt.Errorf("list open cells: %w", err)
	}
	return cells, nil
}

// tryJoin seats the user in cellID if it still has room. A nil ref
// without error means the cell filled up or closed meanwhile.
func (e *Engine) tryJoin(ctx context.Context, d *models.Deliberation, cellID, userID string) (*CellRef, error) {
	var ref *CellRef
	err := e.tx(ctx, func(tx *gorm.DB) error {
		ref = nil
		if err := database.AdvisoryXactLock(tx, seatLockKey(d.ID, userID)); err != nil {
			return err
		}
		existing, exclude, err := e.existingSeat(tx, d, d.CurrentTier, userID)
		if err != nil || existing != nil {
			ref = existing
			return err
		}

		var cell models.Cell
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cell, "id = ?", cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}
		for _, b := range exclude {
			if b == cell.Batch {
				return nil
			}
		}
		if !cell.IsOpen() || cell.Tier != d.CurrentTier {
			return nil
		}
		n, err := seatedCount(tx, cell.ID)
		if err != nil {
			return err
		}
		if n >= d.CellSize {
			return nil
		}
		if err := seat(tx, &cell, userID); err != nil {
			return err
		}
		ref, err = cellRef(tx, &cell, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ref != nil && ref.CellID == cellID {
		metrics.CellJoins.WithLabelValues("join").Inc()
	}
	return ref, nil
}

// createAndJoin runs under the deliberation lock so concurrent spill-overs
// agree on which cells exist.
func (e *Engine) createAndJoin(ctx context.Context, deliberationID, userID string) (*CellRef, error) {
	var ref *CellRef
	err := e.tx(ctx, func(tx *gorm.DB) error {
		ref = nil
		if err := database.AdvisoryXactLock(tx, seatLockKey(deliberationID, userID)); err != nil {
			return err
		}
		d, err := lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != models.PhaseVoting {
			return ErrNotVoting.WithDetail("phase is %s", d.Phase)
		}
		tier := d.CurrentTier

		existing, exclude, err := e.existingSeat(tx, d, tier, userID)
		if err != nil || existing != nil {
			ref = existing
			return err
		}

		// A cell may have freed up while we waited for the lock.
		candidates, err := openCells(tx, d, tier, exclude)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			var cell models.Cell
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cell, "id = ?", c.ID).Error; err != nil {
				return err
			}
			n, err := seatedCount(tx, cell.ID)
			if err != nil {
				return err
			}
			if !cell.IsOpen() || n >= d.CellSize {
				continue
			}
			if err := seat(tx, &cell, userID); err != nil {
				return err
			}
			ref, err = cellRef(tx, &cell, false)
			return err
		}

		ideaIDs, batch, err := e.spillBatch(tx, d, tier, exclude)
		if err != nil {
			return err
		}
		cell, err := e.createCell(tx, d, tier, batch, ideaIDs)
		if err != nil {
			return err
		}
		if err := seat(tx, cell, userID); err != nil {
			return err
		}
		ref, err = cellRef(tx, cell, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ref.Created {
		metrics.CellJoins.WithLabelValues("create").Inc()
		e.Log.Info("cell opened for spill-over",
			zap.String("deliberation_id", deliberationID),
			zap.String("cell_id", ref.CellID),
			zap.Int("tier", ref.Tier),
			zap.Int("batch", ref.Batch))
	} else {
		metrics.CellJoins.WithLabelValues("join").Inc()
	}
	return ref, nil
}

// spillBatch picks the batch a new cell joins: the one with the fewest
// participants whose ideas are still being voted on. The new cell reuses
// that batch's exact idea set.
func (e *Engine) spillBatch(tx *gorm.DB, d *models.Deliberation, tier int, exclude []int) ([]string, int, error) {
	type batchLoad struct {
		Batch        int
		Participants int
		SampleCell   string
	}
	var loads []batchLoad
	err := tx.Table("cells AS c").
		Select("c.batch, COUNT(p.id) AS participants, MIN(c.id::text) AS sample_cell").
		Joins("LEFT JOIN cell_participations AS p ON p.cell_id = c.id AND p.status <> ?", models.ParticipationDropped).
		Where("c.deliberation_id = ? AND c.tier = ?", d.ID, tier).
		Group("c.batch").
		Order("participants ASC, c.batch ASC").
		Scan(&loads).Error
	if err != nil {
		return nil, 0, fmt.Errorf("load batch sizes: %w", err)
	}

	if len(loads) == 0 {
		return e.seedMissingTier(tx, d, tier)
	}

	skipped := false
	for _, l := range loads {
		if containsInt(exclude, l.Batch) {
			skipped = true
			continue
		}
		var ideaIDs []string
		if err := tx.Model(&models.CellIdea{}).Where("cell_id = ?", l.SampleCell).
			Order("idea_id").Pluck("idea_id", &ideaIDs).Error; err != nil {
			return nil, 0, err
		}
		var live int64
		if err := tx.Model(&models.Idea{}).
			Where("id IN ? AND status = ?", ideaIDs, models.IdeaInVoting).
			Count(&live).Error; err != nil {
			return nil, 0, err
		}
		if live > 0 {
			return ideaIDs, l.Batch, nil
		}
	}
	if skipped {
		return nil, 0, ErrAlreadyVoted.WithDetail("user has taken part in every open batch")
	}
	return nil, 0, ErrRoundFull
}

// seedMissingTier handles a voting tier without cells by partitioning its
// ideas afresh. Returns the first batch for the caller to create.
func (e *Engine) seedMissingTier(tx *gorm.DB, d *models.Deliberation, tier int) ([]string, int, error) {
	var ids []string
	if err := tx.Model(&models.Idea{}).
		Where("deliberation_id = ? AND tier = ? AND status IN ?", d.ID, tier, []string{models.IdeaInVoting, models.IdeaDefending}).
		Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, 0, ErrRoundFull
	}
	metrics.Anomalies.WithLabelValues("tier_without_cells").Inc()
	e.Log.Warn("voting tier had no cells, partitioning ideas",
		zap.String("deliberation_id", d.ID),
		zap.Int("tier", tier),
		zap.Int("ideas", len(ids)))

	batches := partitionIdeas(ids, d.CellSize)
	for i := 1; i < len(batches); i++ {
		if _, err := e.createCell(tx, d, tier, i, batches[i]); err != nil {
			return nil, 0, err
		}
	}
	return batches[0], 0, nil
}

// LeaveCell drops an active participant, freeing the seat. A balanced
// cell whose remaining participants have all voted starts its grace period.
func (e *Engine) LeaveCell(ctx context.Context, cellID, userID string) error {
	var grace *graceMark
	err := e.tx(ctx, func(tx *gorm.DB) error {
		grace = nil
		var cell models.Cell
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cell, "id = ?", cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}
		res := tx.Model(&models.CellParticipation{}).
			Where("cell_id = ? AND user_id = ? AND status = ?", cellID, userID, models.ParticipationActive).
			Update("status", models.ParticipationDropped)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotInCell
		}
		if cell.Status != models.CellVoting || cell.FinalizesAt != nil {
			return nil
		}

		var d models.Deliberation
		if err := tx.First(&d, "id = ?", cell.DeliberationID).Error; err != nil {
			return err
		}
		_, complete, err := cellComplete(tx, &d, cell.ID)
		if err != nil || !complete {
			return err
		}
		grace, err = e.startGrace(tx, &cell)
		return err
	})
	if err != nil {
		return err
	}
	e.scheduleGrace(grace)
	return nil
}

func seat(tx *gorm.DB, cell *models.Cell, userID string) error {
	p := models.CellParticipation{
		CellID:         cell.ID,
		UserID:         userID,
		DeliberationID: cell.DeliberationID,
		Tier:           cell.Tier,
		Batch:          cell.Batch,
		Status:         models.ParticipationActive,
	}
	if err := tx.Create(&p).Error; err != nil {
		return fmt.Errorf("seat user in cell: %w", err)
	}
	return nil
}

func seatedCount(tx *gorm.DB, cellID string) (int, error) {
	var n int64
	err := tx.Model(&models.CellParticipation{}).
		Where("cell_id = ? AND status <> ?", cellID, models.ParticipationDropped).
		Count(&n).Error
	return int(n), err
}

func cellRef(tx *gorm.DB, cell *models.Cell, created bool) (*CellRef, error) {
	ref := &CellRef{
		CellID:  cell.ID,
		Tier:    cell.Tier,
		Batch:   cell.Batch,
		Status:  cell.Status,
		Created: created,
	}
	if err := tx.Model(&models.CellIdea{}).Where("cell_id = ?", cell.ID).
		Order("idea_id").Pluck("idea_id", &ref.IdeaIDs).Error; err != nil {
		return nil, err
	}
	n, err := seatedCount(tx, cell.ID)
	if err != nil {
		return nil, err
	}
	ref.Participants = n
	return ref, nil
}

func seatLockKey(deliberationID, userID string) string {
	return "seat:" + deliberationID + ":" + userID
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
