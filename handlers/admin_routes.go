// handlers/admin_routes.go
package handlers

import (
	"time"

	"chant-service/middleware"
	"chant-service/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const adminRole = "admin"

// SetupAdminRoutes exposes operator actions. Facilitators may act on their
// own deliberations; the admin role may act on any.
func SetupAdminRoutes(secured fiber.Router, engine *services.Engine, embedSecret []byte, log *zap.Logger) {
	admin := secured.Group("/admin")

	facilitator := func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		if id.HasRole(adminRole) {
			return c.Next()
		}
		ok, err := engine.IsFacilitator(c.UserContext(), c.Params("id"), id.UserID)
		if err != nil {
			return respondError(c, log, err)
		}
		if !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "facilitator role required"})
		}
		return c.Next()
	}

	admin.Post("/deliberations/:id/start-voting", facilitator, func(c *fiber.Ctx) error {
		d, err := engine.StartVoting(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(d)
	})

	admin.Post("/deliberations/:id/challenge", facilitator, func(c *fiber.Ctx) error {
		out, err := engine.StartChallengeRound(c.UserContext(), c.Params("id"), c.QueryBool("extend", false))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(out)
	})

	admin.Post("/deliberations/:id/reopen", facilitator, func(c *fiber.Ctx) error {
		d, err := engine.Reopen(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(d)
	})

	admin.Post("/deliberations/:id/check-tier", facilitator, func(c *fiber.Ctx) error {
		out, err := engine.CheckTierCompletion(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(out)
	})

	admin.Post("/deliberations/:id/embed-token", facilitator, func(c *fiber.Ctx) error {
		if len(embedSecret) == 0 {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "embed tokens are not configured"})
		}
		var req struct {
			UserID     string `json:"user_id"`
			TTLMinutes int    `json:"ttl_minutes"`
		}
		if err := c.BodyParser(&req); err != nil || req.UserID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
		}
		if req.TTLMinutes <= 0 || req.TTLMinutes > 24*60 {
			req.TTLMinutes = 60
		}
		token, err := middleware.IssueEmbedToken(embedSecret, req.UserID, c.Params("id"), time.Duration(req.TTLMinutes)*time.Minute)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"token": token})
	})

	admin.Post("/timers/run", func(c *fiber.Ctx) error {
		id, err := caller(c)
		if id == nil {
			return err
		}
		if !id.HasRole(adminRole) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
		}
		report, err := engine.ProcessTimers(c.UserContext())
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(report)
	})
}
