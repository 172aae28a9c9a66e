package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VoteResult reports the state of the cell after a ballot.
type VoteResult struct {
	AllVoted   bool `json:"all_voted"`
	VoterCount int  `json:"voter_count"`
}

type graceMark struct {
	CellID string
	At     time.Time
}

// CastVote replaces the user's ballot in a cell. The user's points must
// total exactly 10 with at least 1 per idea. Idea aggregates are recomputed
// from the vote table in the same serializable transaction.
func (e *Engine) CastVote(ctx context.Context, cellID, userID string, allocs []Allocation) (*VoteResult, error) {
	var (
		res     VoteResult
		grace   *graceMark
		delibID string
	)
	err := e.serializableTx(ctx, func(tx *gorm.DB) error {
		res, grace = VoteResult{}, nil

		var cell models.Cell
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cell, "id = ?", cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}
		delibID = cell.DeliberationID
		if cell.Status != models.CellVoting {
			return ErrCellNotVoting.WithDetail("cell is %s", cell.Status)
		}
		if cell.VotingDeadline != nil && !e.now().Before(*cell.VotingDeadline) {
			return ErrDeadlinePassed
		}

		var ideaIDs []string
		if err := tx.Model(&models.CellIdea{}).Where("cell_id = ?", cellID).Pluck("idea_id", &ideaIDs).Error; err != nil {
			return err
		}
		inCell := make(map[string]bool, len(ideaIDs))
		for _, id := range ideaIDs {
			inCell[id] = true
		}
		if err := validateAllocations(inCell, allocs); err != nil {
			return err
		}

		var part models.CellParticipation
		err := tx.Where("cell_id = ? AND user_id = ? AND status IN ?", cellID, userID,
			[]string{models.ParticipationActive, models.ParticipationVoted}).First(&part).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotInCell
		}
		if err != nil {
			return err
		}

		var d models.Deliberation
		if err := tx.First(&d, "id = ?", cell.DeliberationID).Error; err != nil {
			return err
		}

		if err := tx.Where("cell_id = ? AND user_id = ?", cellID, userID).Delete(&models.Vote{}).Error; err != nil {
			return fmt.Errorf("clear previous ballot: %w", err)
		}
		votes := make([]models.Vote, 0, len(allocs))
		for _, a := range allocs {
			votes = append(votes, models.Vote{
				CellID:         cellID,
				UserID:         userID,
				IdeaID:         a.IdeaID,
				DeliberationID: cell.DeliberationID,
				Tier:           cell.Tier,
				XPPoints:       a.Points,
			})
		}
		if err := tx.Create(&votes).Error; err != nil {
			return fmt.Errorf("insert ballot: %w", err)
		}
		if err := recomputeIdeaTotals(tx, cellID); err != nil {
			return err
		}

		now := e.now()
		if err := tx.Model(&part).Updates(map[string]any{
			"status":   models.ParticipationVoted,
			"voted_at": now,
		}).Error; err != nil {
			return err
		}

		voters, complete, err := cellComplete(tx, &d, cellID)
		if err != nil {
			return err
		}
		res = VoteResult{AllVoted: complete, VoterCount: voters}
		if complete && cell.FinalizesAt == nil {
			if grace, err = e.startGrace(tx, &cell); err != nil {
				return err
			}
		}

		return addEvent(tx, cell.DeliberationID, models.EventVoteCast, VoteCastEvent{
			DeliberationID: cell.DeliberationID,
			CellID:         cellID,
			UserID:         userID,
			Tier:           cell.Tier,
			VoterCount:     voters,
			AllVoted:       complete,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.VotesCast.Inc()
	e.progress.Remove(delibID)
	if grace != nil {
		e.Log.Info("cell fully voted, grace period started",
			zap.String("cell_id", cellID),
			zap.Int("voters", res.VoterCount),
			zap.Time("finalizes_at", grace.At))
	}
	e.scheduleGrace(grace)
	return &res, nil
}

// recomputeIdeaTotals rebuilds the aggregates of every idea in a cell from
// all votes ever cast for it, across tiers.
func recomputeIdeaTotals(tx *gorm.DB, cellID string) error {
	err := tx.Exec(`
		UPDATE ideas SET
			total_xp = COALESCE((SELECT SUM(v.xp_points) FROM votes v WHERE v.idea_id = ideas.id), 0),
			total_votes = (SELECT COUNT(DISTINCT v.user_id) FROM votes v WHERE v.idea_id = ideas.id)
		WHERE ideas.id IN (SELECT idea_id FROM cell_ideas WHERE cell_id = ?)`, cellID).Error
	if err != nil {
		return fmt.Errorf("recompute idea totals: %w", err)
	}
	return nil
}

// cellComplete counts distinct voters and decides whether everyone
// expected has voted: a full cell in fcfs mode, every seated participant
// in balanced mode.
func cellComplete(tx *gorm.DB, d *models.Deliberation, cellID string) (int, bool, error) {
	var voters int64
	if err := tx.Model(&models.Vote{}).Where("cell_id = ?", cellID).
		Distinct("user_id").Count(&voters).Error; err != nil {
		return 0, false, err
	}
	if !d.IsBalanced() {
		return int(voters), int(voters) >= d.CellSize, nil
	}
	seated, err := seatedCount(tx, cellID)
	if err != nil {
		return 0, false, err
	}
	return int(voters), voters > 0 && int(voters) >= seated, nil
}

func (e *Engine) startGrace(tx *gorm.DB, cell *models.Cell) (*graceMark, error) {
	at := e.now().Add(e.Settings.GracePeriod)
	res := tx.Model(&models.Cell{}).
		Where("id = ? AND finalizes_at IS NULL", cell.ID).
		Update("finalizes_at", at)
	if res.Error != nil {
		return nil, fmt.Errorf("start grace period: %w", res.Error)
	}
	cell.FinalizesAt = &at
	return &graceMark{CellID: cell.ID, At: at}, nil
}

func (e *Engine) scheduleGrace(m *graceMark) {
	if m == nil || e.deferrer == nil {
		return
	}
	e.deferrer.ScheduleFinalize(m.CellID, m.At)
}

// tallyCells aggregates the votes of a set of cells per idea.
func tallyCells(tx *gorm.DB, cellIDs []string) ([]IdeaTally, error) {
	var out []IdeaTally
	err := tx.Model(&models.Vote{}).
		Select("idea_id, SUM(xp_points) AS xp, COUNT(DISTINCT user_id) AS voters").
		Where("cell_id IN ?", cellIDs).
		Group("idea_id").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}
	return out, nil
}
