// handlers/deliberation_routes.go
package handlers

import (
	"chant-service/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func SetupDeliberationRoutes(secured fiber.Router, engine *services.Engine, log *zap.Logger) {
	secured.Post("/deliberations", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		var in services.DeliberationInput
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		in.CreatorID = id.UserID
		d, err := engine.CreateDeliberation(c.UserContext(), in)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(d)
	})

	secured.Get("/deliberations/:id", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		d, err := engine.GetDeliberation(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		if !inScope(c, id, d.ID) {
			return forbidScope(c)
		}
		view, err := engine.Progress(c.UserContext(), d.ID)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(view)
	})

	secured.Post("/deliberations/:id/join", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		if !inScope(c, id, c.Params("id")) {
			return forbidScope(c)
		}
		m, err := engine.JoinDeliberation(c.UserContext(), c.Params("id"), id.UserID)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(m)
	})

	secured.Post("/deliberations/:id/ideas", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		if !inScope(c, id, c.Params("id")) {
			return forbidScope(c)
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		idea, err := engine.SubmitIdea(c.UserContext(), c.Params("id"), id.UserID, req.Text)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(idea)
	})

	secured.Post("/deliberations/:id/enter", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		if !inScope(c, id, c.Params("id")) {
			return forbidScope(c)
		}
		ref, err := engine.EnterCell(c.UserContext(), c.Params("id"), id.UserID)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(ref)
	})
}
