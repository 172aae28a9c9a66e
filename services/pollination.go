package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"

	"chant-service/models"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upvotesPerSpread = 2

// pollinationLevel converts a spread count into extra reach. Levels are
// reached at spread 1, 2, 4, 8 and so on.
func pollinationLevel(spread int) int {
	if spread < 1 {
		return 0
	}
	return bits.Len(uint(spread))
}

// reachFor is the reach of a comment with the given spread. Every
// comment starts at reach 0, whatever tier it was posted at.
func reachFor(spread int) int {
	return pollinationLevel(spread)
}

// visibilityThreshold is the per-mille chance that a comment of reach r
// shows in a cell at tier t.
func visibilityThreshold(reach, tier int) int {
	if reach >= tier {
		return 1000
	}
	return int(math.Pow(5, float64(reach-tier)) * 1000)
}

// Visible decides deterministically whether a comment reaches a cell.
func Visible(commentID, cellID string, reach, tier int) bool {
	threshold := visibilityThreshold(reach, tier)
	if threshold >= 1000 {
		return true
	}
	h := murmur3.Sum32([]byte(commentID + ":" + cellID))
	return int(h%1000) < threshold
}

// FeedComment is a comment as shown inside one cell.
type FeedComment struct {
	models.Comment
	Pollinated bool `json:"pollinated"`
}

// AddComment posts a comment into a cell the user participates in.
func (e *Engine) AddComment(ctx context.Context, cellID, userID, text string, ideaID *string) (*models.Comment, error) {
	text, err := cleanText(text, MaxCommentLength)
	if err != nil {
		return nil, err
	}

	var comment models.Comment
	err = e.tx(ctx, func(tx *gorm.DB) error {
		var cell models.Cell
		if err := tx.First(&cell, "id = ?", cellID).Error; err != nil {
			return notFound(err, "cell", cellID)
		}
		var part models.CellParticipation
		err := tx.Where("cell_id = ? AND user_id = ? AND status <> ?", cellID, userID, models.ParticipationDropped).
			First(&part).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotInCell
		}
		if err != nil {
			return err
		}
		if ideaID != nil {
			var n int64
			if err := tx.Model(&models.CellIdea{}).Where("cell_id = ? AND idea_id = ?", cellID, *ideaID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrUnknownIdea.WithDetail("idea %s", *ideaID)
			}
		}
		comment = models.Comment{
			DeliberationID: cell.DeliberationID,
			CellID:         cellID,
			IdeaID:         ideaID,
			UserID:         userID,
			Text:           text,
			Tier:           cell.Tier,
			ReachTier:      reachFor(0),
		}
		return tx.Create(&comment).Error
	})
	if err != nil {
		return nil, err
	}
	e.feeds.Remove(cellID)
	return &comment, nil
}

// UpvoteComment records one upvote per user and recomputes the comment's
// spread and reach. Crossing into a higher reach emits comment_up_pollinate.
func (e *Engine) UpvoteComment(ctx context.Context, commentID, userID string) (*models.Comment, error) {
	var comment models.Comment
	err := e.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&comment, "id = ?", commentID).Error; err != nil {
			return notFound(err, "comment", commentID)
		}
		up := models.CommentUpvote{CommentID: commentID, UserID: userID}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&up)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var upvotes int64
		if err := tx.Model(&models.CommentUpvote{}).Where("comment_id = ?", commentID).Count(&upvotes).Error; err != nil {
			return err
		}
		updates := map[string]any{"upvote_count": int(upvotes)}
		comment.UpvoteCount = int(upvotes)

		if comment.IdeaID != nil {
			spread := int(upvotes) / upvotesPerSpread
			reach := reachFor(spread)
			updates["spread_count"] = spread
			comment.SpreadCount = spread
			if reach > comment.ReachTier {
				updates["reach_tier"] = reach
				comment.ReachTier = reach
				if err := addEvent(tx, comment.DeliberationID, models.EventCommentPollinate, PollinateEvent{
					DeliberationID: comment.DeliberationID,
					CommentID:      comment.ID,
					CellID:         comment.CellID,
					ReachTier:      reach,
					SpreadCount:    spread,
				}); err != nil {
					return err
				}
			}
		}
		return tx.Model(&comment).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	e.feeds.Remove(comment.CellID)
	return &comment, nil
}

// CellFeed returns the cell's own comments plus comments pollinated from
// sibling cells, oldest first.
func (e *Engine) CellFeed(ctx context.Context, cellID string) ([]FeedComment, error) {
	return e.feeds.GetOrLoad(cellID, func() ([]FeedComment, error) {
		return e.loadFeed(ctx, cellID)
	})
}

func (e *Engine) loadFeed(ctx context.Context, cellID string) ([]FeedComment, error) {
	db := e.DB.WithContext(ctx)

	var cell models.Cell
	if err := db.First(&cell, "id = ?", cellID).Error; err != nil {
		return nil, notFound(err, "cell", cellID)
	}

	var own []models.Comment
	if err := db.Where("cell_id = ?", cellID).Order("created_at, id").Find(&own).Error; err != nil {
		return nil, fmt.Errorf("load cell comments: %w", err)
	}

	ideaIDs := db.Model(&models.CellIdea{}).Select("idea_id").Where("cell_id = ?", cellID)
	siblings := db.Model(&models.CellIdea{}).Select("DISTINCT cell_id").
		Where("idea_id IN (?) AND cell_id <> ?", ideaIDs, cellID)

	var candidates []models.Comment
	err := db.Where("deliberation_id = ? AND cell_id <> ?", cell.DeliberationID, cellID).
		Where(db.Where("cell_id IN (?)", siblings).Or("idea_id IN (?)", ideaIDs)).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load sibling comments: %w", err)
	}

	feed := make([]FeedComment, 0, len(own)+len(candidates))
	for _, c := range own {
		feed = append(feed, FeedComment{Comment: c})
	}
	pollinated := 0
	for _, c := range candidates {
		if Visible(c.ID, cellID, c.ReachTier, cell.Tier) {
			feed = append(feed, FeedComment{Comment: c, Pollinated: true})
			pollinated++
		}
	}
	sort.SliceStable(feed, func(i, j int) bool {
		if !feed[i].CreatedAt.Equal(feed[j].CreatedAt) {
			return feed[i].CreatedAt.Before(feed[j].CreatedAt)
		}
		return feed[i].ID < feed[j].ID
	})

	e.Log.Debug("cell feed loaded",
		zap.String("cell_id", cellID),
		zap.Int("own", len(own)),
		zap.Int("pollinated", pollinated),
		zap.Int("candidates", len(candidates)))
	return feed, nil
}
