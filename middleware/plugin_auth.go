// middleware/plugin_auth.go
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// PluginTokenResolver accepts X-Plugin-Token values of the form
// "<userID>.<unixExpiry>.<hex hmac-sha256>" signed with a shared secret.
type PluginTokenResolver struct {
	Secret []byte
	Now    func() time.Time
}

func (r PluginTokenResolver) Name() string { return "plugin" }

func (r PluginTokenResolver) Resolve(c *fiber.Ctx) (*Identity, error) {
	raw := strings.TrimSpace(c.Get("X-Plugin-Token"))
	if raw == "" || len(r.Secret) == 0 {
		return nil, nil
	}
	userID, err := VerifyPluginToken(r.Secret, raw, r.now())
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID, Roles: []string{"plugin"}}, nil
}

func (r PluginTokenResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SignPluginToken builds a plugin token for userID expiring at expiry.
func SignPluginToken(secret []byte, userID string, expiry time.Time) string {
	payload := userID + "." + strconv.FormatInt(expiry.Unix(), 10)
	return payload + "." + pluginMAC(secret, payload)
}

// VerifyPluginToken checks the signature and expiry and returns the user id.
func VerifyPluginToken(secret []byte, token string, now time.Time) (string, error) {
	sigAt := strings.LastIndex(token, ".")
	if sigAt <= 0 {
		return "", errors.New("plugin token: malformed")
	}
	payload, sig := token[:sigAt], token[sigAt+1:]
	expAt := strings.LastIndex(payload, ".")
	if expAt <= 0 {
		return "", errors.New("plugin token: malformed")
	}
	userID, expStr := payload[:expAt], payload[expAt+1:]

	if !hmac.Equal([]byte(sig), []byte(pluginMAC(secret, payload))) {
		return "", errors.New("plugin token: bad signature")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", errors.New("plugin token: bad expiry")
	}
	if !now.Before(time.Unix(exp, 0)) {
		return "", errors.New("plugin token: expired")
	}
	return userID, nil
}

func pluginMAC(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
