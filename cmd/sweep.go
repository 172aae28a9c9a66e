package cmd

import (
	"chant-service/clock"
	"chant-service/services"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sweepCommand runs a single timer sweep, for cron-driven deployments.
func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Runs one timer sweep and exits",
		RunE: func(c *cobra.Command, _ []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			engine := services.NewEngine(rt.db, rt.log, clock.New(), engineSettings(rt))
			report, err := engine.ProcessTimers(c.Context())
			if err != nil {
				return err
			}
			rt.log.Info("sweep finished",
				zap.Int("submissions_extended", report.SubmissionsExtended),
				zap.Int("voting_started", report.VotingStarted),
				zap.Int("grace_finalized", report.GraceFinalized),
				zap.Int("timeout_finalized", report.TimeoutFinalized),
				zap.Int("challenges_started", report.ChallengesStarted),
				zap.Int("completed", report.Completed),
				zap.Int("tiers_advanced", report.TiersAdvanced),
				zap.Int("errors", report.Errors))
			return nil
		},
	}
}

func engineSettings(rt *runtime) services.Settings {
	return services.Settings{
		GracePeriod:   rt.cfg.GracePeriod,
		TxMaxAttempts: rt.cfg.TxMaxAttempts,
		CacheTTL:      rt.cfg.CacheTTL,
		CacheSize:     rt.cfg.CacheSize,
	}
}
