// middleware/embed_auth.go
package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// EmbedClaims are carried by short-lived embed tokens handed to widgets
// that cannot hold a session.
type EmbedClaims struct {
	Roles          []string `json:"roles,omitempty"`
	DeliberationID string   `json:"deliberation_id,omitempty"`
	jwt.RegisteredClaims
}

// EmbedTokenResolver validates an HS256 embed token from the `token`
// query parameter or the X-Embed-Token header.
type EmbedTokenResolver struct {
	Secret []byte
}

func (r EmbedTokenResolver) Name() string { return "embed" }

func (r EmbedTokenResolver) Resolve(c *fiber.Ctx) (*Identity, error) {
	raw := strings.TrimSpace(c.Get("X-Embed-Token"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("token"))
	}
	if raw == "" || len(r.Secret) == 0 {
		return nil, nil
	}

	claims := &EmbedClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return r.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("embed token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("embed token: missing subject")
	}
	return &Identity{
		UserID:         claims.Subject,
		Roles:          claims.Roles,
		DeliberationID: claims.DeliberationID,
	}, nil
}

// IssueEmbedToken signs an embed token for userID valid for ttl.
func IssueEmbedToken(secret []byte, userID, deliberationID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := EmbedClaims{
		DeliberationID: deliberationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
