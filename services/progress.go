package services

import (
	"context"

	"chant-service/models"

	"github.com/google/uuid"
)

// ProgressView summarizes where a deliberation stands.
type ProgressView struct {
	Deliberation  models.Deliberation `json:"deliberation"`
	CellsByStatus map[string]int      `json:"cells_by_status"`
	IdeasByStatus map[string]int      `json:"ideas_by_status"`
	TierVoters    int                 `json:"tier_voters"`
	Members       int                 `json:"members"`
	Champion      *models.Idea        `json:"champion,omitempty"`
	Tiers         []models.TierResult `json:"tiers"`
}

type statusCount struct {
	Status string
	N      int
}

// Progress returns a short-lived cached summary of a deliberation.
func (e *Engine) Progress(ctx context.Context, deliberationID string) (*ProgressView, error) {
	return e.progress.GetOrLoad(deliberationID, func() (*ProgressView, error) {
		return e.loadProgress(ctx, deliberationID)
	})
}

func (e *Engine) loadProgress(ctx context.Context, deliberationID string) (*ProgressView, error) {
	d, err := e.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return nil, err
	}
	db := e.DB.WithContext(ctx)
	view := &ProgressView{
		Deliberation:  *d,
		CellsByStatus: map[string]int{},
		IdeasByStatus: map[string]int{},
	}

	var counts []statusCount
	if err := db.Model(&models.Cell{}).Select("status, COUNT(*) AS n").
		Where("deliberation_id = ? AND tier = ?", d.ID, d.CurrentTier).
		Group("status").Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		view.CellsByStatus[c.Status] = c.N
	}

	counts = nil
	if err := db.Model(&models.Idea{}).Select("status, COUNT(*) AS n").
		Where("deliberation_id = ?", d.ID).
		Group("status").Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		view.IdeasByStatus[c.Status] = c.N
	}

	var voters, members int64
	if err := db.Model(&models.Vote{}).Where("deliberation_id = ? AND tier = ?", d.ID, d.CurrentTier).
		Distinct("user_id").Count(&voters).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Member{}).Where("deliberation_id = ?", d.ID).Count(&members).Error; err != nil {
		return nil, err
	}
	view.TierVoters = int(voters)
	view.Members = int(members)

	if d.ChampionID != nil {
		var champion models.Idea
		if err := db.First(&champion, "id = ?", *d.ChampionID).Error; err == nil {
			view.Champion = &champion
		}
	}
	if err := db.Where("deliberation_id = ?", d.ID).Order("tier").Find(&view.Tiers).Error; err != nil {
		return nil, err
	}
	return view, nil
}

// CellIdeas returns the ideas a cell votes on.
func (e *Engine) CellIdeas(ctx context.Context, cellID string) ([]models.Idea, error) {
	var ideas []models.Idea
	err := e.DB.WithContext(ctx).
		Where("id IN (?)", e.DB.Model(&models.CellIdea{}).Select("idea_id").Where("cell_id = ?", cellID)).
		Order("id").Find(&ideas).Error
	return ideas, err
}

// CellDeliberation returns the id of the deliberation a cell belongs to.
func (e *Engine) CellDeliberation(ctx context.Context, cellID string) (string, error) {
	return e.ownerOf(ctx, &models.Cell{}, "cell", cellID)
}

// CommentDeliberation returns the id of the deliberation a comment belongs to.
func (e *Engine) CommentDeliberation(ctx context.Context, commentID string) (string, error) {
	return e.ownerOf(ctx, &models.Comment{}, "comment", commentID)
}

func (e *Engine) ownerOf(ctx context.Context, model any, what, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrNotFound.WithDetail("%s %s", what, id)
	}
	var owner []string
	if err := e.DB.WithContext(ctx).Model(model).Where("id = ?", id).Limit(1).
		Pluck("deliberation_id", &owner).Error; err != nil {
		return "", err
	}
	if len(owner) == 0 {
		return "", ErrNotFound.WithDetail("%s %s", what, id)
	}
	return owner[0], nil
}
