package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/config"
	"github.com/element-hq/element-builder/internal/winvm"
)

// windowsDriver is what the runner needs from a winvm.Driver.
type windowsDriver interface {
	Start(ctx context.Context) error
	AppendScript(args ...string)
	RunScript(ctx context.Context) error
	Stop(ctx context.Context)
}

// Windows builds inside the Windows VM. The guest clones and builds on its
// own disk; the shared drive only carries the product config in and the
// dist output back out.
type Windows struct {
	cfg config.Windows
	log *zap.Logger

	// newDriver exists so tests can substitute a fake.
	newDriver func(arch, workDir string, env map[string]string) windowsDriver
}

// NewWindows returns a runner driving the configured VM through console.
func NewWindows(console winvm.Console, cfg config.Windows, log *zap.Logger) *Windows {
	w := &Windows{cfg: cfg, log: log}
	w.newDriver = func(arch, workDir string, env map[string]string) windowsDriver {
		return winvm.New(console, driverConfig(cfg, arch), workDir, env, log)
	}
	return w
}

// Run executes one Windows build: boot the VM from its snapshot, run the
// generated build script in the guest, collect dist from the shared
// directory. The VM is always shut down afterwards, build failure included.
func (w *Windows) Run(ctx context.Context, b Build) (string, error) {
	if err := os.MkdirAll(b.WorkDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create build directory: %w", err)
	}
	if b.ConfigFile != "" {
		// The guest picks this up from the shared drive.
		if err := copyConfigInto(b.ConfigFile, b.WorkDir); err != nil {
			return "", err
		}
	}

	driver := w.newDriver(b.Target.VCVars, b.WorkDir, b.Env)
	defer driver.Stop(ctx)

	if err := driver.Start(ctx); err != nil {
		return "", err
	}

	drive := w.cfg.Drive

	driver.AppendScript("mkdir", "build")
	driver.AppendScript("cd", "build")
	driver.AppendScript("git", "clone", b.RepoURL, b.Product)
	driver.AppendScript("cd", b.Product)
	if b.Revision != "" {
		driver.AppendScript("git", "checkout", b.Revision)
	}
	if b.ConfigFile != "" {
		driver.AppendScript("copy", drive+`\`+configFileName, configFileName)
	}
	driver.AppendScript("call", "yarn", "install")
	driver.AppendScript("call", "yarn", "run", buildScriptName(b.Target.Arch))
	driver.AppendScript("xcopy", "/S", "/Y", "/I", "dist", drive+`\dist\`)

	if err := driver.RunScript(ctx); err != nil {
		return "", err
	}

	return filepath.Join(b.WorkDir, "dist"), nil
}

// driverConfig maps the builder configuration onto one run's VM settings.
func driverConfig(cfg config.Windows, arch string) winvm.Config {
	return winvm.Config{
		VM:         cfg.VM,
		Snapshot:   cfg.Snapshot,
		Username:   cfg.Username,
		Password:   cfg.Password,
		ShareName:  cfg.ShareName,
		Drive:      cfg.Drive,
		VCVarsPath: cfg.VCVarsPath,
		VCVarsArch: arch,

		// Build on the guest's own disk; the share is too slow for a
		// native build tree.
		WorkDir: `%USERPROFILE%`,

		SettleDelay:      cfg.SettleDelay,
		BootTimeout:      cfg.BootTimeout,
		BootPollInterval: cfg.BootPollInterval,
		MapAttempts:      cfg.MapAttempts,
		MapSettleDelay:   cfg.MapSettleDelay,
		StopTimeout:      cfg.StopTimeout,
		StopPollInterval: cfg.StopPollInterval,
	}
}
