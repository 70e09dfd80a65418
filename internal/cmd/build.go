package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-builder/internal/config"
)

var (
	buildJobFile     string
	buildTargets     []string
	buildSkipPublish bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run one build cycle now",
	Long: `Run a single build cycle immediately.

Without flags this is a manual nightly: every configured target is
built from the tip of the configured branch, even if it already built
tonight. A job manifest narrows the run or turns it into a release:

  mode: release
  version: 1.11.8
  revision: v1.11.8
  targets: [macos-universal, linux-amd64]

Examples:
  element-builder build
  element-builder build --target windows-x64 --skip-publish
  element-builder build --job release.yaml`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildJobFile, "job", "j", "", "job manifest overriding what to build")
	buildCmd.Flags().StringArrayVarP(&buildTargets, "target", "t", nil, "build only the named target (repeatable)")
	buildCmd.Flags().BoolVar(&buildSkipPublish, "skip-publish", false, "stage artifacts without publishing to the mirrors")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// An explicit build always builds, so the default job is an empty
	// nightly rather than nil.
	job := &config.Job{Mode: config.ModeNightly}
	if buildJobFile != "" {
		if len(buildTargets) > 0 {
			return fmt.Errorf("cannot combine --job with --target")
		}
		job, err = config.LoadJob(buildJobFile)
		if err != nil {
			return err
		}
	}
	job.Targets = append(job.Targets, buildTargets...)
	if buildSkipPublish {
		job.SkipPublish = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := newOrchestrator(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	return orch.RunOnce(ctx, job)
}
