package testutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chant-service/database"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Postgres is a disposable, migrated database for integration tests.
type Postgres struct {
	Container *postgres.PostgresContainer
	DB        *gorm.DB
	ConnStr   string
}

// StartPostgres runs a Postgres container and migrates the schema. It is
// meant for TestMain, so it returns errors instead of failing a test.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chant_test"),
		postgres.WithUsername("chant_test"),
		postgres.WithPassword("chant_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("connection string: %w", err)
	}

	db, err := database.Connect(connStr, zap.NewNop())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Postgres{Container: container, DB: db, ConnStr: connStr}, nil
}

// Reset empties every engine table.
func (p *Postgres) Reset() error {
	tables := []string{
		"outbox_events", "champion_records", "tier_results",
		"comment_upvotes", "comments", "votes", "cell_participations",
		"cell_ideas", "cells", "ideas", "members", "deliberations",
	}
	return p.DB.Exec("TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE").Error
}

// Terminate closes the pool and removes the container.
func (p *Postgres) Terminate(ctx context.Context) error {
	if sqlDB, err := p.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return p.Container.Terminate(ctx)
}
