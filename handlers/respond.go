package handlers

import (
	"errors"

	"chant-service/middleware"
	"chant-service/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func statusFor(kind string) int {
	switch kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindConflict:
		return fiber.StatusConflict
	case services.KindRetry:
		return fiber.StatusServiceUnavailable
	case services.KindNotFound:
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError maps engine failures onto HTTP responses. Anything that is
// not an engine error is logged and hidden behind a 500.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	var ee *services.EngineError
	if errors.As(err, &ee) {
		if ee.Kind == services.KindRetry {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(statusFor(ee.Kind)).JSON(fiber.Map{
			"error":  ee.Message,
			"code":   ee.Code,
			"detail": ee.Detail,
		})
	}
	if services.KindOf(err) == services.KindRetry {
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "too much contention, retry the request",
			"code":  services.CodeRetry,
		})
	}
	log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

// caller returns the authenticated identity or writes a 401.
func caller(c *fiber.Ctx) (*middleware.Identity, error) {
	id, err := middleware.CurrentIdentity(c)
	if err != nil {
		return nil, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
	}
	return id, nil
}

// inScope rejects embed identities bound to another deliberation.
func inScope(c *fiber.Ctx, id *middleware.Identity, deliberationID string) bool {
	return id.DeliberationID == "" || id.DeliberationID == deliberationID
}

func forbidScope(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "token not valid for this deliberation"})
}

// scoped resolves the owning deliberation only for identities bound to
// one. It returns false after writing the response.
func scoped(c *fiber.Ctx, log *zap.Logger, id *middleware.Identity, owner func() (string, error)) (bool, error) {
	if id.DeliberationID == "" {
		return true, nil
	}
	deliberationID, err := owner()
	if err != nil {
		return false, respondError(c, log, err)
	}
	if !inScope(c, id, deliberationID) {
		return false, forbidScope(c)
	}
	return true, nil
}
