package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/proc"
)

// commandRunner is the slice of proc.Runner the local runner needs.
type commandRunner interface {
	Run(ctx context.Context, cmd proc.Command) (string, error)
}

// Local builds on the host itself. In production that is the macOS build,
// which must run on real hardware for signing and notarisation.
type Local struct {
	run commandRunner
	log *zap.Logger
}

// NewLocal returns a runner that executes build commands directly.
func NewLocal(run *proc.Runner, log *zap.Logger) *Local {
	return &Local{run: run, log: log}
}

// Run installs dependencies and builds inside the checkout. Artifacts land
// in the checkout's dist directory.
func (l *Local) Run(ctx context.Context, b Build) (string, error) {
	l.log.Info("starting local build",
		zap.String("target", b.Target.Name()),
		zap.String("version", b.Version))

	if b.ConfigFile != "" {
		if err := copyConfigInto(b.ConfigFile, b.CheckoutDir); err != nil {
			return "", err
		}
	}

	steps := [][]string{
		{"yarn", "install", "--frozen-lockfile"},
		{"yarn", "run", buildScriptName(b.Target.Arch)},
	}
	for _, step := range steps {
		_, err := l.run.Run(ctx, proc.Command{
			Name:    step[0],
			Args:    step[1:],
			Dir:     b.CheckoutDir,
			Env:     b.Env,
			Capture: true,
		})
		if err != nil {
			return "", fmt.Errorf("%s failed: %w", strings.Join(step, " "), err)
		}
	}

	return filepath.Join(b.CheckoutDir, "dist"), nil
}
