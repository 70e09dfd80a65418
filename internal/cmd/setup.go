package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/artifacts"
	"github.com/element-hq/element-builder/internal/builder"
	"github.com/element-hq/element-builder/internal/config"
	"github.com/element-hq/element-builder/internal/logging"
	"github.com/element-hq/element-builder/internal/notify"
	"github.com/element-hq/element-builder/internal/orchestrator"
	"github.com/element-hq/element-builder/internal/proc"
	"github.com/element-hq/element-builder/internal/publish"
	"github.com/element-hq/element-builder/internal/vbox"
)

// setup loads the configuration and builds the logger every command starts
// from.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.New(debug), nil
}

// newOrchestrator assembles the full build pipeline. metrics may be nil for
// one-shot commands that have nothing to scrape them.
func newOrchestrator(ctx context.Context, cfg *config.Config, metrics orchestrator.Recorder, log *zap.Logger) (*orchestrator.Orchestrator, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	run := proc.New(log)
	runners, err := newRunners(cfg, run, log)
	if err != nil {
		return nil, err
	}

	collect, err := artifacts.NewManager(cfg.Publish.StagingDir, cfg.Publish.Patterns, log)
	if err != nil {
		return nil, err
	}
	pub, err := publish.New(ctx, cfg.Publish, run, log)
	if err != nil {
		return nil, err
	}
	notifier := notify.New(newSender(cfg.Notify, log), log)

	return orchestrator.New(cfg, runners, collect, pub, notifier, metrics, log)
}

// newRunners builds one runner per platform the configured targets need.
// The docker client and the VirtualBox console are only touched when a
// target actually uses them.
func newRunners(cfg *config.Config, run *proc.Runner, log *zap.Logger) (map[string]builder.Runner, error) {
	runners := make(map[string]builder.Runner)
	for _, t := range cfg.Targets {
		if _, ok := runners[t.Platform]; ok {
			continue
		}
		switch t.Platform {
		case config.PlatformMacOS:
			runners[t.Platform] = builder.NewLocal(run, log)
		case config.PlatformLinux:
			docker, err := builder.NewDockerFromEnv(log)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to docker: %w", err)
			}
			runners[t.Platform] = docker
		case config.PlatformWindows:
			runners[t.Platform] = builder.NewWindows(vbox.New(run, log), cfg.Windows, log)
		}
	}
	return runners, nil
}

// newSender picks the build room sender: a homeserver client when notify is
// configured, otherwise a no-op so builds run fine without a room.
func newSender(cfg config.Notify, log *zap.Logger) notify.Sender {
	if cfg.Homeserver == "" || cfg.RoomID == "" {
		log.Info("build room notifications disabled")
		return notify.NopSender{}
	}
	return notify.NewHTTPSender(cfg, log)
}
