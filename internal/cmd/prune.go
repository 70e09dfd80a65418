package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-builder/internal/proc"
	"github.com/element-hq/element-builder/internal/publish"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old nightlies from staging and mirrors",
	Long: `Apply the retention policy now: keep the newest nightlies up to the
configured count and remove the rest from the staging directory and
every configured mirror. Release versions are never pruned.

The daemon prunes after every successful publish, so this is only
needed after lowering the retention count or to clean up by hand.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := publish.New(ctx, cfg.Publish, proc.New(log), log)
	if err != nil {
		return err
	}
	if err := pub.Prune(ctx); err != nil {
		return fmt.Errorf("failed to prune old nightlies: %w", err)
	}

	fmt.Printf("Retention applied: newest %d nightlies kept.\n", cfg.Publish.Keep)
	return nil
}
