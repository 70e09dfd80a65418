// Package builder turns a checkout into platform installers, one runner per
// target platform: a local process build for macOS, a container build for
// Linux and the VM driver for Windows.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/element-hq/element-builder/internal/config"
)

// configFileName is what the product expects its build config to be called
// inside the checkout.
const configFileName = "config.json"

// Build describes one target's build.
type Build struct {
	Product string
	Version string
	Mode    string
	Target  config.Target

	RepoURL  string
	Revision string

	// CheckoutDir is the host-side source checkout used by the macOS and
	// Linux runners. The Windows guest clones for itself.
	CheckoutDir string

	// WorkDir is the per-run host directory; for Windows builds it is the
	// directory exported into the guest.
	WorkDir string

	// ConfigFile is an optional product config copied into the build
	// before it runs.
	ConfigFile string

	// Env carries version metadata and signing secrets into the build
	// tooling. Secrets stay in process environments, never on disk.
	Env map[string]string
}

// Outcome records how one target's build went.
type Outcome struct {
	Target     string    `json:"target"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// DistDir is where the runner left its artifacts. Only meaningful on
	// success and only within the run that produced it.
	DistDir string `json:"-"`
}

// Runner produces installers for one target and reports where they landed.
type Runner interface {
	Run(ctx context.Context, b Build) (distDir string, err error)
}

// buildScriptName maps a target architecture onto the product's yarn build
// script.
func buildScriptName(arch string) string {
	switch arch {
	case "x64":
		return "build64"
	case "x86", "ia32":
		return "build32"
	case "universal":
		return "build:universal"
	default:
		return "build:" + arch
	}
}

// copyConfigInto places the product config file into dir under its expected
// name. A missing source path is the caller's bug, not a skippable state.
func copyConfigInto(configFile, dir string) error {
	src, err := os.Open(configFile)
	if err != nil {
		return fmt.Errorf("failed to open product config: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, configFileName))
	if err != nil {
		return fmt.Errorf("failed to write product config: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy product config: %w", err)
	}
	return nil
}
