package handlers

import (
	"chant-service/middleware"
	"chant-service/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps carries what the HTTP surface needs.
type Deps struct {
	Engine       *services.Engine
	DB           *gorm.DB
	Log          *zap.Logger
	EmbedSecret  []byte
	PluginSecret []byte
}

// Register mounts every route on app. Health and metrics stay public;
// everything else requires an identity.
func Register(app *fiber.App, d Deps) {
	SetupHealthRoutes(app, d.DB)

	secured := app.Group("/", middleware.IdentityMiddleware(d.Log,
		middleware.HeaderResolver{},
		middleware.EmbedTokenResolver{Secret: d.EmbedSecret},
		middleware.PluginTokenResolver{Secret: d.PluginSecret},
	))
	SetupDeliberationRoutes(secured, d.Engine, d.Log)
	SetupCellRoutes(secured, d.Engine, d.Log)
	SetupAdminRoutes(secured, d.Engine, d.EmbedSecret, d.Log)
}
