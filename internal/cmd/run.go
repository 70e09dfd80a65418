package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/element-builder/internal/orchestrator"
	"github.com/element-hq/element-builder/internal/server"
)

var runNow bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the nightly build daemon",
	Long: `Run the build daemon: build on the configured schedule until
interrupted, and serve build status over HTTP when a listen address is
configured.

The schedule is a standard five-field cron expression; the default
builds every morning at 09:00. A scheduled build is skipped when the
branch has not moved since the last published nightly.

Examples:
  element-builder run
  element-builder run --now`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNow, "now", false, "build immediately, then follow the schedule")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	orch, err := newOrchestrator(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.Listen != "" {
		srv := server.New(cfg.Server.Listen, orch, prometheus.DefaultGatherer, log)
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}

	g.Go(func() error {
		return runSchedule(ctx, orch, sched, log)
	})

	log.Info("build daemon started", zap.String("schedule", cfg.Schedule))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("build daemon stopped")
	return nil
}

// runSchedule drives the orchestrator on the cron schedule until ctx ends.
// A failed cycle is logged and the daemon keeps going; the next nightly
// gets another chance.
func runSchedule(ctx context.Context, orch *orchestrator.Orchestrator, sched cron.Schedule, log *zap.Logger) error {
	if runNow {
		runCycle(ctx, orch, log)
	}
	for {
		next := sched.Next(time.Now())
		log.Info("next scheduled build", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		runCycle(ctx, orch, log)
	}
}

func runCycle(ctx context.Context, orch *orchestrator.Orchestrator, log *zap.Logger) {
	if err := orch.RunOnce(ctx, nil); err != nil {
		log.Error("build cycle failed", zap.Error(err))
	}
}
