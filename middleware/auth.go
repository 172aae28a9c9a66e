// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// HeaderResolver reads the session identity the Gateway forwards in
// X-User-ID and X-User-Roles.
type HeaderResolver struct{}

func (HeaderResolver) Name() string { return "session" }

func (HeaderResolver) Resolve(c *fiber.Ctx) (*Identity, error) {
	userID := strings.TrimSpace(c.Get("X-User-ID"))
	if userID == "" {
		return nil, nil
	}

	var roles []string
	for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roles = append(roles, r)
		}
	}
	return &Identity{UserID: userID, Roles: roles}, nil
}
