package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	UserIDKey    = "user_id"
	UserRolesKey = "user_roles"
	IdentityKey  = "identity"
)

// Identity is the caller as established by a Resolver.
type Identity struct {
	UserID string
	Roles  []string
	Source string
	// DeliberationID scopes short-lived embed tokens to one deliberation.
	DeliberationID string
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver extracts an identity from a request. It returns (nil, nil)
// when the request carries none of its credentials, and an error when
// credentials are present but invalid.
type Resolver interface {
	Name() string
	Resolve(c *fiber.Ctx) (*Identity, error)
}

var ErrNoIdentity = errors.New("no identity")

// IdentityMiddleware tries each resolver in order and stores the first
// identity found. Requests without a valid identity are rejected.
func IdentityMiddleware(log *zap.Logger, resolvers ...Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, r := range resolvers {
			id, err := r.Resolve(c)
			if err != nil {
				log.Warn("identity rejected",
					zap.String("resolver", r.Name()),
					zap.String("path", c.Path()),
					zap.Error(err))
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid credentials",
				})
			}
			if id == nil {
				continue
			}
			id.Source = r.Name()
			c.Locals(IdentityKey, id)
			c.Locals(UserIDKey, id.UserID)
			c.Locals(UserRolesKey, id.Roles)
			return c.Next()
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}
}

// CurrentIdentity returns the identity stored by IdentityMiddleware.
func CurrentIdentity(c *fiber.Ctx) (*Identity, error) {
	id, ok := c.Locals(IdentityKey).(*Identity)
	if !ok || id == nil || id.UserID == "" {
		return nil, ErrNoIdentity
	}
	return id, nil
}
