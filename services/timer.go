package services

import (
	"context"
	"errors"
	"time"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	tierCheckParallelism = 4
	defaultSweepTimeout  = 2 * time.Minute
)

// SweepReport counts what one timer sweep did.
type SweepReport struct {
	VotingStarted         int `json:"voting_started"`
	SubmissionsExtended   int `json:"submissions_extended"`
	DiscussionsClosed     int `json:"discussions_closed"`
	GraceFinalized        int `json:"grace_finalized"`
	TimeoutFinalized      int `json:"timeout_finalized"`
	ChallengesStarted     int `json:"challenges_started"`
	AccumulationsExtended int `json:"accumulations_extended"`
	Completed             int `json:"completed"`
	TiersAdvanced         int `json:"tiers_advanced"`
	Errors                int `json:"errors"`
}

// ProcessTimers applies every transition whose deadline has passed.
// Concurrent calls share one sweep. The sweep is detached from the
// callers' contexts and bounded by its own timeout. Each item is handled
// on its own so one failure never blocks the rest; the sweep is safe to
// repeat.
func (e *Engine) ProcessTimers(ctx context.Context) (*SweepReport, error) {
	ch := e.sweeps.DoChan("sweep", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sweepTimeout())
		defer cancel()
		return e.sweep(sctx)
	})
	select {
	case <-ctx.Done():
		return &SweepReport{}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(*SweepReport)
		if report == nil {
			report = &SweepReport{}
		}
		return report, res.Err
	}
}

func (e *Engine) sweepTimeout() time.Duration {
	if e.Settings.SweepTimeout > 0 {
		return e.Settings.SweepTimeout
	}
	return defaultSweepTimeout
}

func (e *Engine) sweep(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	r := &SweepReport{}
	now := e.now()
	db := e.DB.WithContext(ctx)
	fail := func(step, id string, err error) {
		r.Errors++
		e.Log.Error("timer step failed", zap.String("step", step), zap.String("id", id), zap.Error(err))
	}

	// Submission windows.
	var due []string
	if err := db.Model(&models.Deliberation{}).
		Where("phase = ? AND submission_ends_at <= ?", models.PhaseSubmission, now).
		Pluck("id", &due).Error; err != nil {
		return r, err
	}
	for _, id := range due {
		started, err := e.closeSubmissions(ctx, id)
		switch {
		case err != nil:
			fail("submission", id, err)
		case started:
			r.VotingStarted++
		default:
			r.SubmissionsExtended++
		}
	}

	// Discussion windows.
	res := db.Model(&models.Cell{}).
		Where("status = ? AND discussion_ends_at <= ?", models.CellDeliberating, now).
		Update("status", models.CellVoting)
	if res.Error != nil {
		fail("discussion", "", res.Error)
	}
	r.DiscussionsClosed = int(res.RowsAffected)

	// Grace periods, then hard voting deadlines.
	var graceDue, timeoutDue []string
	if err := db.Model(&models.Cell{}).
		Where("status = ? AND finalizes_at <= ?", models.CellVoting, now).
		Order("finalizes_at").Pluck("id", &graceDue).Error; err != nil {
		return r, err
	}
	for _, id := range graceDue {
		ok, err := e.FinalizeCell(ctx, id, ReasonGrace)
		if err != nil {
			fail("grace", id, err)
		} else if ok {
			r.GraceFinalized++
		}
	}
	if err := db.Model(&models.Cell{}).
		Where("status = ? AND finalizes_at IS NULL AND voting_deadline <= ?", models.CellVoting, now).
		Order("voting_deadline").Pluck("id", &timeoutDue).Error; err != nil {
		return r, err
	}
	for _, id := range timeoutDue {
		ok, err := e.FinalizeCell(ctx, id, ReasonTimeout)
		if err != nil {
			fail("timeout", id, err)
		} else if ok {
			r.TimeoutFinalized++
		}
	}

	// Accumulation windows.
	var accumulating []string
	if err := db.Model(&models.Deliberation{}).
		Where("phase = ? AND accumulation_ends_at <= ?", models.PhaseAccumulating, now).
		Pluck("id", &accumulating).Error; err != nil {
		return r, err
	}
	for _, id := range accumulating {
		out, err := e.StartChallengeRound(ctx, id, true)
		if err != nil {
			if errors.Is(err, ErrNotAccumulating) {
				continue
			}
			fail("accumulation", id, err)
			continue
		}
		switch out.Result {
		case ChallengeStarted:
			r.ChallengesStarted++
		case ChallengeExtended:
			r.AccumulationsExtended++
		case ChallengeCompleted:
			r.Completed++
		}
	}

	// Safety net for completions whose callback never ran.
	var voting []string
	if err := db.Model(&models.Deliberation{}).Where("phase = ?", models.PhaseVoting).
		Pluck("id", &voting).Error; err != nil {
		return r, err
	}
	outcomes := make([]*TierOutcome, len(voting))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tierCheckParallelism)
	for i, id := range voting {
		g.Go(func() error {
			out, err := e.CheckTierCompletion(gctx, id)
			if err != nil {
				e.Log.Error("timer step failed", zap.String("step", "tier"), zap.String("id", id), zap.Error(err))
				return nil
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	for _, out := range outcomes {
		if out == nil {
			r.Errors++
			continue
		}
		if out.Action == TierAdvanced || out.Action == TierChampion {
			r.TiersAdvanced++
		}
	}

	if err := ctx.Err(); err != nil {
		return r, err
	}
	e.Log.Debug("timer sweep finished", zap.Any("report", r))
	return r, nil
}

// closeSubmissions starts voting on a deliberation whose submission window
// ran out, or reopens the window when nothing was submitted.
func (e *Engine) closeSubmissions(ctx context.Context, deliberationID string) (bool, error) {
	started := false
	err := e.tx(ctx, func(tx *gorm.DB) error {
		started = false
		d, err := lockDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		now := e.now()
		if d.Phase != models.PhaseSubmission || d.SubmissionEndsAt == nil || now.Before(*d.SubmissionEndsAt) {
			return nil
		}
		var submitted int64
		if err := tx.Model(&models.Idea{}).
			Where("deliberation_id = ? AND status = ?", d.ID, models.IdeaSubmitted).
			Count(&submitted).Error; err != nil {
			return err
		}
		if submitted == 0 {
			window := minutes(d.SubmissionMins)
			if window <= 0 {
				window = time.Hour
			}
			d.SubmissionEndsAt = timePtr(now.Add(window))
			e.Log.Warn("submission window closed empty, extending",
				zap.String("deliberation_id", d.ID),
				zap.Time("until", *d.SubmissionEndsAt))
			return saveDeliberation(tx, d)
		}
		started = true
		return e.startVotingLocked(tx, d)
	})
	if err == nil && started {
		e.progress.Remove(deliberationID)
	}
	return started, err
}
