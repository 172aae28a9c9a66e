package services

import (
	"context"
	"fmt"

	"chant-service/database"
	"chant-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeliberationInput holds the settings of a new deliberation.
type DeliberationInput struct {
	Question            string `json:"question"`
	Description         string `json:"description"`
	CreatorID           string `json:"-"`
	AllocationMode      string `json:"allocation_mode"`
	ContinuousFlow      bool   `json:"continuous_flow"`
	CellSize            int    `json:"cell_size"`
	AllowMultipleCells  bool   `json:"allow_multiple_cells"`
	SubmissionMins      int    `json:"submission_mins"`
	VotingTimeoutMins   int    `json:"voting_timeout_mins"`
	DiscussionMins      int    `json:"discussion_mins"`
	AccumulationEnabled bool   `json:"accumulation_enabled"`
	AccumulationMins    int    `json:"accumulation_mins"`
}

func (in *DeliberationInput) normalize() error {
	q, err := cleanText(in.Question, MaxQuestionLength)
	if err != nil {
		return ErrInvalidSettings.WithDetail("question must be 1..%d characters", MaxQuestionLength)
	}
	in.Question = q
	if in.CreatorID == "" {
		return ErrInvalidSettings.WithDetail("creator is required")
	}

	switch in.AllocationMode {
	case "":
		in.AllocationMode = models.AllocationFCFS
	case models.AllocationFCFS, models.AllocationBalanced:
	default:
		return ErrInvalidSettings.WithDetail("unknown allocation mode %q", in.AllocationMode)
	}

	if in.ContinuousFlow && in.AllocationMode == models.AllocationBalanced {
		return ErrInvalidSettings.WithDetail("continuous flow fills cells first come first served")
	}

	if in.CellSize == 0 {
		in.CellSize = DefaultCellSize
	}
	if in.CellSize < MinCellSize || in.CellSize > MaxCellSize {
		return ErrInvalidSettings.WithDetail("cell size must be %d..%d", MinCellSize, MaxCellSize)
	}
	if in.VotingTimeoutMins == 0 {
		in.VotingTimeoutMins = 60
	}
	if in.AccumulationMins == 0 {
		in.AccumulationMins = 24 * 60
	}
	if in.VotingTimeoutMins < 0 || in.SubmissionMins < 0 || in.DiscussionMins < 0 || in.AccumulationMins < 0 {
		return ErrInvalidSettings.WithDetail("durations must not be negative")
	}
	return nil
}

// CreateDeliberation opens a deliberation in the SUBMISSION phase and
// enrolls its creator as facilitator.
func (e *Engine) CreateDeliberation(ctx context.Context, in DeliberationInput) (*models.Deliberation, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	d := models.Deliberation{
		ID:                  id,
		Slug:                deliberationSlug(in.Question, id),
		Question:            in.Question,
		Description:         in.Description,
		CreatorID:           in.CreatorID,
		Phase:               models.PhaseSubmission,
		CurrentTier:         1,
		AllocationMode:      in.AllocationMode,
		ContinuousFlow:      in.ContinuousFlow,
		CellSize:            in.CellSize,
		AllowMultipleCells:  in.AllowMultipleCells,
		SubmissionMins:      in.SubmissionMins,
		VotingTimeoutMins:   in.VotingTimeoutMins,
		DiscussionMins:      in.DiscussionMins,
		AccumulationEnabled: in.AccumulationEnabled,
		AccumulationMins:    in.AccumulationMins,
	}
	if in.SubmissionMins > 0 {
		d.SubmissionEndsAt = timePtr(e.now().Add(minutes(in.SubmissionMins)))
	}

	err := e.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return fmt.Errorf("create deliberation: %w", err)
		}
		return tx.Create(&models.Member{DeliberationID: d.ID, UserID: in.CreatorID, Role: models.RoleFacilitator}).Error
	})
	if err != nil {
		return nil, err
	}
	e.Log.Info("deliberation created",
		zap.String("deliberation_id", d.ID),
		zap.String("slug", d.Slug),
		zap.String("allocation", d.AllocationMode),
		zap.Bool("continuous", d.ContinuousFlow))
	return &d, nil
}

// GetDeliberation loads a deliberation by id or slug.
func (e *Engine) GetDeliberation(ctx context.Context, idOrSlug string) (*models.Deliberation, error) {
	var d models.Deliberation
	q := e.DB.WithContext(ctx)
	if _, err := uuid.Parse(idOrSlug); err == nil {
		q = q.Where("id = ?", idOrSlug)
	} else {
		q = q.Where("slug = ?", idOrSlug)
	}
	if err := q.First(&d).Error; err != nil {
		return nil, notFound(err, "deliberation", idOrSlug)
	}
	return &d, nil
}

// JoinDeliberation enrolls a user. Joining twice is a no-op.
func (e *Engine) JoinDeliberation(ctx context.Context, deliberationID, userID string) (*models.Member, error) {
	if _, err := e.GetDeliberation(ctx, deliberationID); err != nil {
		return nil, err
	}
	m := models.Member{DeliberationID: deliberationID, UserID: userID, Role: models.RoleMember}
	if err := e.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("join deliberation: %w", err)
	}
	if err := e.DB.WithContext(ctx).First(&m, "deliberation_id = ? AND user_id = ?", deliberationID, userID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// IsFacilitator reports whether userID created or facilitates the deliberation.
func (e *Engine) IsFacilitator(ctx context.Context, deliberationID, userID string) (bool, error) {
	var n int64
	err := e.DB.WithContext(ctx).Model(&models.Member{}).
		Where("deliberation_id = ? AND user_id = ? AND role = ?", deliberationID, userID, models.RoleFacilitator).
		Count(&n).Error
	return n > 0, err
}

// SubmitIdea adds an idea. Where it lands depends on the phase: SUBMISSION
// and an open continuous-flow pool take it as SUBMITTED; a running or
// accumulating deliberation keeps it PENDING as a future challenger.
func (e *Engine) SubmitIdea(ctx context.Context, deliberationID, userID, text string) (*models.Idea, error) {
	text, err := cleanText(text, MaxIdeaLength)
	if err != nil {
		return nil, err
	}
	normalized := normalizeText(text)
	if normalized == "" {
		return nil, ErrInvalidText.WithDetail("idea has no words")
	}

	var idea models.Idea
	err = e.tx(ctx, func(tx *gorm.DB) error {
		d, err := lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		now := e.now()
		status := models.IdeaPending
		switch d.Phase {
		case models.PhaseCompleted:
			return ErrSubmissionsClosed
		case models.PhaseSubmission:
			if d.SubmissionEndsAt != nil && !now.Before(*d.SubmissionEndsAt) {
				return ErrSubmissionsClosed.WithDetail("submission window ended")
			}
			status = models.IdeaSubmitted
		case models.PhaseVoting:
			if e.poolOpen(d) {
				status = models.IdeaSubmitted
			}
		}

		var dup int64
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND normalized_text = ?", d.ID, normalized).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return ErrDuplicateSubmission
		}

		idea = models.Idea{
			DeliberationID: d.ID,
			AuthorID:       userID,
			Text:           text,
			NormalizedText: normalized,
			Status:         status,
		}
		if err := tx.Create(&idea).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return ErrDuplicateSubmission
			}
			return fmt.Errorf("insert idea: %w", err)
		}

		if d.ContinuousFlow && status == models.IdeaSubmitted {
			if _, err := e.formPoolCells(tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.progress.Remove(deliberationID)
	return &idea, nil
}

// poolOpen reports whether a continuous-flow deliberation still feeds new
// ideas into tier 1.
func (e *Engine) poolOpen(d *models.Deliberation) bool {
	if !d.ContinuousFlow || d.CurrentTier != 1 {
		return false
	}
	return d.SubmissionEndsAt == nil || e.now().Before(*d.SubmissionEndsAt)
}

// StartVoting closes submissions and forms tier 1. A lone idea wins outright.
func (e *Engine) StartVoting(ctx context.Context, deliberationID string) (*models.Deliberation, error) {
	var d *models.Deliberation
	err := e.tx(ctx, func(tx *gorm.DB) error {
		var err error
		d, err = lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != models.PhaseSubmission {
			return ErrInvalidPhase.WithDetail("phase is %s", d.Phase)
		}
		return e.startVotingLocked(tx, d)
	})
	if err != nil {
		return nil, err
	}
	e.progress.Remove(deliberationID)
	return d, nil
}

func (e *Engine) startVotingLocked(tx *gorm.DB, d *models.Deliberation) error {
	var ids []string
	if err := tx.Model(&models.Idea{}).
		Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaSubmitted).
		Order("id").Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNotEnoughIdeas
	}
	if err := tx.Model(&models.Idea{}).Where("id IN ?", ids).
		Updates(map[string]any{"status": models.IdeaInVoting, "tier": 1}).Error; err != nil {
		return err
	}

	now := e.now()
	d.Phase = models.PhaseVoting
	d.CurrentTier = 1
	d.CurrentTierStartedAt = &now
	if err := saveDeliberation(tx, d); err != nil {
		return err
	}

	if len(ids) == 1 {
		e.Log.Info("single idea wins without voting", zap.String("deliberation_id", d.ID), zap.String("idea_id", ids[0]))
		return e.declareChampion(tx, d, ids[0], 1)
	}

	cells, err := e.formTier(tx, d, 1, partitionIdeas(ids, d.CellSize))
	if err != nil {
		return err
	}
	e.Log.Info("voting started",
		zap.String("deliberation_id", d.ID),
		zap.Int("ideas", len(ids)),
		zap.Int("cells", cells))
	return nil
}

// Reopen moves a completed deliberation back to ACCUMULATING so the
// champion can be challenged again.
func (e *Engine) Reopen(ctx context.Context, deliberationID string) (*models.Deliberation, error) {
	var d *models.Deliberation
	err := e.tx(ctx, func(tx *gorm.DB) error {
		var err error
		d, err = lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != models.PhaseCompleted || d.ChampionID == nil {
			return ErrInvalidPhase.WithDetail("only a completed deliberation with a champion can be reopened")
		}
		d.Phase = models.PhaseAccumulating
		d.AccumulationEnabled = true
		d.AccumulationEndsAt = timePtr(e.now().Add(minutes(d.AccumulationMins)))
		d.AccumulationExtensions = 0
		d.CompletedAt = nil
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaBenched).
			Update("status", models.IdeaPending).Error; err != nil {
			return err
		}
		return saveDeliberation(tx, d)
	})
	if err != nil {
		return nil, err
	}
	e.progress.Remove(deliberationID)
	e.Log.Info("deliberation reopened", zap.String("deliberation_id", deliberationID))
	return d, nil
}

// lockDeliberation reads the deliberation row FOR UPDATE. Every
// transaction that also locks cells takes this lock first.
func lockDeliberation(tx *gorm.DB, id string) (*models.Deliberation, error) {
	var d models.Deliberation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&d, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "deliberation", id)
	}
	return &d, nil
}

func saveDeliberation(tx *gorm.DB, d *models.Deliberation) error {
	if err := tx.Save(d).Error; err != nil {
		return fmt.Errorf("save deliberation %s: %w", d.ID, err)
	}
	return nil
}
