// handlers/cell_routes.go
package handlers

import (
	"chant-service/middleware"
	"chant-service/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func SetupCellRoutes(secured fiber.Router, engine *services.Engine, log *zap.Logger) {
	// cellCaller resolves the caller and checks an embed token against the
	// cell's deliberation.
	cellCaller := func(c *fiber.Ctx) (*middleware.Identity, error) {
		id, err := caller(c)
		if id == nil {
			return nil, err
		}
		ok, err := scoped(c, log, id, func() (string, error) {
			return engine.CellDeliberation(c.UserContext(), c.Params("id"))
		})
		if !ok {
			return nil, err
		}
		return id, nil
	}

	secured.Get("/cells/:id/ideas", func(c *fiber.Ctx) error {
		id, err := cellCaller(c)
		if id == nil {
			return err
		}
		ideas, err := engine.CellIdeas(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"ideas": ideas})
	})

	secured.Post("/cells/:id/votes", func(c *fiber.Ctx) error {
		id, err := cellCaller(c)
		if id == nil {
			return err
		}
		var req struct {
			Allocations []services.Allocation `json:"allocations"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		res, err := engine.CastVote(c.UserContext(), c.Params("id"), id.UserID, req.Allocations)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(res)
	})

	secured.Post("/cells/:id/leave", func(c *fiber.Ctx) error {
		id, err := cellCaller(c)
		if id == nil {
			return err
		}
		if err := engine.LeaveCell(c.UserContext(), c.Params("id"), id.UserID); err != nil {
			return respondError(c, log, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	secured.Get("/cells/:id/comments", func(c *fiber.Ctx) error {
		id, err := cellCaller(c)
		if id == nil {
			return err
		}
		feed, err := engine.CellFeed(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"comments": feed})
	})

	secured.Post("/cells/:id/comments", func(c *fiber.Ctx) error {
		id, err := cellCaller(c)
		if id == nil {
			return err
		}
		var req struct {
			Text   string  `json:"text"`
			IdeaID *string `json:"idea_id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		comment, err := engine.AddComment(c.UserContext(), c.Params("id"), id.UserID, req.Text, req.IdeaID)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(comment)
	})

	secured.Post("/comments/:id/upvote", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		ok, err := scoped(c, log, id, func() (string, error) {
			return engine.CommentDeliberation(c.UserContext(), c.Params("id"))
		})
		if !ok {
			return err
		}
		comment, err := engine.UpvoteComment(c.UserContext(), c.Params("id"), id.UserID)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(comment)
	})
}
