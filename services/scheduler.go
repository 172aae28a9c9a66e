// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler drives the engine from wall time: a periodic timer sweep and
// one-shot grace period finalizations.
type Scheduler struct {
	engine *Engine
	sched  gocron.Scheduler
	log    *zap.Logger
}

func NewScheduler(engine *Engine) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{engine: engine, sched: sched, log: engine.Log.Named("scheduler")}
	engine.SetFinalizeScheduler(s)
	return s, nil
}

// Start runs the timer sweep every interval. A sweep that overruns the
// interval delays the next one instead of overlapping it.
func (s *Scheduler) Start(interval time.Duration) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*interval)
			defer cancel()

			report, err := s.engine.ProcessTimers(ctx)
			if err != nil {
				s.log.Error("timer sweep failed", zap.Error(err))
				return
			}
			s.log.Debug("timer sweep",
				zap.Int("voting_started", report.VotingStarted),
				zap.Int("grace_finalized", report.GraceFinalized),
				zap.Int("timeout_finalized", report.TimeoutFinalized),
				zap.Int("tiers_advanced", report.TiersAdvanced),
				zap.Int("errors", report.Errors))
		}),
		gocron.WithName("timer-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule timer sweep: %w", err)
	}
	s.sched.Start()
	s.log.Info("timer sweep scheduled", zap.Duration("interval", interval))
	return nil
}

// ScheduleFinalize finalizes cellID once its grace period ends. Failures
// are only logged; the periodic sweep picks up anything missed.
func (s *Scheduler) ScheduleFinalize(cellID string, at time.Time) {
	start := gocron.OneTimeJobStartImmediately()
	if delay := at.Sub(s.engine.now()); delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	_, err := s.sched.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.engine.FinalizeCell(ctx, cellID, ReasonGrace); err != nil {
				s.log.Warn("grace finalization failed, sweep will retry", zap.String("cell_id", cellID), zap.Error(err))
			}
		}),
		gocron.WithName("finalize-"+cellID),
	)
	if err != nil {
		s.log.Warn("could not schedule grace finalization", zap.String("cell_id", cellID), zap.Error(err))
	}
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
