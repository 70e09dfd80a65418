package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-builder/internal/proc"
	"github.com/element-hq/element-builder/internal/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish <version>",
	Short: "Publish a staged version to the mirrors",
	Long: `Push an already-staged version from the staging directory to the
configured mirrors. Nothing is rebuilt; this is for recovering from a
mirror outage or backfilling a freshly added mirror.`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	version := args[0]

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
	if err := pub.Publish(ctx, version); err != nil {
		return fmt.Errorf("failed to publish %s: %w", version, err)
	}

	fmt.Printf("Published %s.\n", version)
	return nil
}
