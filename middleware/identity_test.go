package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	embedSecret  = []byte("embed-secret-for-tests")
	pluginSecret = []byte("plugin-secret-for-tests")
)

func identityApp() *fiber.App {
	app := fiber.New()
	app.Use(IdentityMiddleware(zap.NewNop(),
		HeaderResolver{},
		EmbedTokenResolver{Secret: embedSecret},
		PluginTokenResolver{Secret: pluginSecret},
	))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		id, err := CurrentIdentity(c)
		if err != nil {
			return err
		}
		return c.SendString(id.Source + ":" + id.UserID + ":" + strings.Join(id.Roles, ",") + ":" + id.DeliberationID)
	})
	return app
}

func call(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestIdentityFromHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-ID", "u-42")
	req.Header.Set("X-User-Roles", "admin, member ,")

	status, body := call(t, identityApp(), req)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "session:u-42:admin,member:", body)
}

func TestIdentityRequired(t *testing.T) {
	status, _ := call(t, identityApp(), httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestEmbedToken(t *testing.T) {
	token, err := IssueEmbedToken(embedSecret, "widget-user", "delib-1", time.Minute)
	require.NoError(t, err)

	status, body := call(t, identityApp(), httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "embed:widget-user::delib-1", body)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Embed-Token", token)
	status, _ = call(t, identityApp(), req)
	assert.Equal(t, http.StatusOK, status)
}

func TestEmbedTokenRejected(t *testing.T) {
	expired, err := IssueEmbedToken(embedSecret, "widget-user", "delib-1", -time.Minute)
	require.NoError(t, err)
	forged, err := IssueEmbedToken([]byte("someone-else"), "widget-user", "delib-1", time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{"expired": expired, "forged": forged, "garbage": "not.a.jwt"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("X-Embed-Token", token)
			status, _ := call(t, identityApp(), req)
			assert.Equal(t, http.StatusUnauthorized, status)
		})
	}
}

func TestPluginToken(t *testing.T) {
	token := SignPluginToken(pluginSecret, "bot.user", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Plugin-Token", token)
	status, body := call(t, identityApp(), req)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "plugin:bot.user:plugin:", body)
}

func TestVerifyPluginToken(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	token := SignPluginToken(pluginSecret, "u1", now.Add(time.Minute))

	user, err := VerifyPluginToken(pluginSecret, token, now)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	_, err = VerifyPluginToken(pluginSecret, token, now.Add(2*time.Minute))
	assert.ErrorContains(t, err, "expired")
	_, err = VerifyPluginToken([]byte("other"), token, now)
	assert.ErrorContains(t, err, "bad signature")
	_, err = VerifyPluginToken(pluginSecret, "nodots", now)
	assert.ErrorContains(t, err, "malformed")
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("gw-token", zap.NewNop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	status, _ := call(t, app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	status, _ = call(t, app, req)
	assert.Equal(t, http.StatusUnauthorized, status)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer gw-token")
	status, _ = call(t, app, req)
	assert.Equal(t, http.StatusOK, status)

	open := fiber.New()
	open.Use(GatewayAuthMiddleware("", zap.NewNop()))
	open.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	status, _ = call(t, open, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, status)
}
