package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chant-service/clock"
	"chant-service/database"
	"chant-service/handlers"
	"chant-service/metrics"
	"chant-service/middleware"
	"chant-service/services"
	"chant-service/utils"
	"chant-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cobra.Command {
	var skipMigrate bool
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, timer sweep and outbox dispatcher",
		RunE: func(c *cobra.Command, _ []string) error {
			return serve(c.Context(), skipMigrate)
		},
	}
	c.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not migrate the schema on start")
	return c
}

func serve(parent context.Context, skipMigrate bool) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()
	log := rt.log

	if !skipMigrate {
		if err := database.Migrate(rt.db); err != nil {
			return err
		}
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := services.NewEngine(rt.db, log.Named("engine"), clock.New(), engineSettings(rt))
	scheduler, err := services.NewScheduler(engine)
	if err != nil {
		return err
	}
	if err := scheduler.Start(rt.cfg.TimerInterval); err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Warn("scheduler shutdown", zap.Error(err))
		}
	}()

	dispatcher := &workers.OutboxDispatcher{
		DB:          rt.db,
		WebhookURL:  rt.cfg.WebhookURL,
		HTTPClient:  utils.NewHTTPClient(10 * time.Second),
		BatchSize:   rt.cfg.OutboxBatchSize,
		MaxAttempts: rt.cfg.OutboxMaxAttempts,
		Log:         log.Named("outbox"),
	}
	if rt.cfg.ArchiveEnabled() {
		archiver, err := utils.NewR2Archiver(ctx, utils.R2Config{
			AccountID:       rt.cfg.R2AccountID,
			AccessKeyID:     rt.cfg.R2AccessKeyID,
			AccessKeySecret: rt.cfg.R2AccessKeySecret,
			Bucket:          rt.cfg.R2Bucket,
			Prefix:          rt.cfg.ArchivePrefix,
		})
		if err != nil {
			return err
		}
		dispatcher.Archiver = archiver
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx, rt.cfg.OutboxPollInterval)
	}()

	app := fiber.New(fiber.Config{
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})
	app.Use(middleware.GatewayAuthMiddleware(rt.cfg.GatewayToken, log))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Join(rt.cfg.AllowedOrigins, ","),
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles, X-Embed-Token, X-Plugin-Token",
		ExposeHeaders: "Content-Length, Content-Type, X-Request-ID, Retry-After",
		MaxAge:        86400,
	}))
	handlers.Register(app, handlers.Deps{
		Engine:       engine,
		DB:           rt.db,
		Log:          log.Named("http"),
		EmbedSecret:  []byte(rt.cfg.EmbedTokenSecret),
		PluginSecret: []byte(rt.cfg.PluginTokenSecret),
	})

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(rt.cfg.HTTPAddr)
	}()
	log.Info("server running",
		zap.String("addr", rt.cfg.HTTPAddr),
		zap.Strings("origins", rt.cfg.AllowedOrigins),
		zap.Bool("archive", rt.cfg.ArchiveEnabled()))

	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case err := <-listenErr:
		if err != nil {
			stop()
			<-dispatchDone
			return err
		}
	}

	shutdownErr := app.ShutdownWithTimeout(shutdownTimeout)
	stop()
	<-dispatchDone
	if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
		return shutdownErr
	}
	return nil
}
