package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"chant-service/cache"
	"chant-service/clock"
	"chant-service/database"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	DefaultCellSize = 5
	MinCellSize     = 3
	MaxCellSize     = 7
	PointsPerVoter  = 10

	MaxQuestionLength = 500
	MaxIdeaLength     = 1000
	MaxCommentLength  = 2000

	maxAccumulationExtensions = 3

	defaultCacheTTL = 5 * time.Second
	maxCacheTTL     = 9 * time.Second
)

// Settings tune the engine.
type Settings struct {
	GracePeriod   time.Duration
	TxMaxAttempts int
	CacheTTL      time.Duration
	CacheSize     int
	SweepTimeout  time.Duration
}

// FinalizeScheduler runs a cell finalization at a later time. It is
// best effort: the timer sweep finalizes anything a callback misses.
type FinalizeScheduler interface {
	ScheduleFinalize(cellID string, at time.Time)
}

// Engine runs the tiered cell tournament on top of Postgres. Handlers
// are stateless; every invariant that spans rows is enforced inside a
// transaction.
type Engine struct {
	DB       *gorm.DB
	Log      *zap.Logger
	Clock    *clock.Clock
	Settings Settings

	deferrer FinalizeScheduler
	feeds    *cache.TTL[string, []FeedComment]
	progress *cache.TTL[string, *ProgressView]
	sweeps   singleflight.Group
	shuffle  func(n int, swap func(i, j int))
}

func NewEngine(db *gorm.DB, log *zap.Logger, clk *clock.Clock, settings Settings) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if settings.TxMaxAttempts < 1 {
		settings.TxMaxAttempts = 5
	}
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = defaultCacheTTL
	}
	if settings.CacheTTL > maxCacheTTL {
		settings.CacheTTL = maxCacheTTL
	}
	if settings.CacheSize < 1 {
		settings.CacheSize = 2048
	}
	return &Engine{
		DB:       db,
		Log:      log,
		Clock:    clk,
		Settings: settings,
		feeds:    cache.New[string, []FeedComment](settings.CacheSize, settings.CacheTTL),
		progress: cache.New[string, *ProgressView](settings.CacheSize, settings.CacheTTL),
		shuffle:  rand.Shuffle,
	}
}

// SetFinalizeScheduler installs the grace period callback runner.
func (e *Engine) SetFinalizeScheduler(s FinalizeScheduler) {
	e.deferrer = s
}

func (e *Engine) now() time.Time {
	return e.Clock.Now()
}

// tx runs fn in a read-committed transaction with conflict retry.
func (e *Engine) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return asEngineError(database.RunInTx(ctx, e.DB, database.TxOptions{MaxAttempts: e.Settings.TxMaxAttempts}, fn))
}

// serializableTx runs fn at SERIALIZABLE isolation with conflict retry.
func (e *Engine) serializableTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return asEngineError(database.RunInTx(ctx, e.DB, database.TxOptions{
		MaxAttempts:  e.Settings.TxMaxAttempts,
		Serializable: true,
	}, fn))
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound.WithDetail("%s %s", what, id)
	}
	return err
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	return &s
}
