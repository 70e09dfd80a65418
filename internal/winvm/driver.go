// Package winvm drives the Windows build VM through one build run.
//
// A Driver owns the full lifecycle: rolling the VM back to its clean
// snapshot, booting it headless, mapping the host build directory into the
// guest, executing the accumulated build script and shutting the VM down
// again. Each Driver handles exactly one run; the orchestrator creates a
// fresh one per Windows target.
package winvm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/guest"
	"github.com/element-hq/element-builder/internal/vbox"
)

// cmdExe is the guest-side shell used for readiness pings, drive mapping
// and build script execution.
const cmdExe = `C:\Windows\System32\cmd.exe`

// shareUNC is the VirtualBox guest-side prefix for shared folders.
const shareUNC = `\\vboxsvr\`

const heartbeatInterval = time.Minute

// Driver states. Transitions only move forward: a stopped driver is done.
type state int

const (
	stateUnstarted state = iota
	stateReady
	stateRan
	stateStopped
)

// Stages reported by StartError.
const (
	StageBoot    = "boot"
	StageMapping = "mapping"
)

// StartError reports a failed VM start, distinguishing a guest that never
// became reachable from one that booted but could not see the shared drive.
type StartError struct {
	Stage string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start windows builder (%s): %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Console is the VirtualBox control surface the driver needs. *vbox.Console
// implements it; tests substitute a scripted fake.
type Console interface {
	Start(ctx context.Context, vm string) error
	RestoreSnapshot(ctx context.Context, vm, snapshot string) error
	PowerButton(ctx context.Context, vm string) error
	PowerOff(ctx context.Context, vm string) error
	ListRunning(ctx context.Context) ([]string, error)
	AddSharedFolder(ctx context.Context, vm, name, hostPath string) error
	RemoveSharedFolder(ctx context.Context, vm, name string) error
	RunInGuest(ctx context.Context, vm string, creds vbox.Credentials, env map[string]string, exe string, args ...string) (string, error)
}

// Config carries everything one run needs to know about the VM.
type Config struct {
	VM       string
	Snapshot string
	Username string
	Password string

	// ShareName is the VirtualBox shared folder name; Drive is the guest
	// drive letter ("Z:") the build script addresses it by.
	ShareName string
	Drive     string

	// VCVarsPath locates vcvarsall.bat in the guest; VCVarsArch is its
	// architecture argument for this run.
	VCVarsPath string
	VCVarsArch string

	// WorkDir is the guest directory the build script starts in. Empty
	// means the mapped drive root.
	WorkDir string

	SettleDelay      time.Duration
	BootTimeout      time.Duration
	BootPollInterval time.Duration
	MapAttempts      int
	MapSettleDelay   time.Duration
	StopTimeout      time.Duration
	StopPollInterval time.Duration
}

// Driver runs one Windows build inside the VM.
type Driver struct {
	console Console
	cfg     Config
	hostDir string
	env     map[string]string
	log     *zap.Logger

	state  state
	script guest.Script

	// Injected for tests.
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
	newID func() string
}

// New creates a driver for one build run. hostDir is the host directory
// exported into the guest; env is injected into the guest build script's
// process and never written to disk.
func New(console Console, cfg Config, hostDir string, env map[string]string, log *zap.Logger) *Driver {
	if cfg.MapAttempts < 1 {
		cfg.MapAttempts = 1
	}
	return &Driver{
		console: console,
		cfg:     cfg,
		hostDir: hostDir,
		env:     env,
		log:     log,
		sleep:   sleepContext,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Start brings the VM from its clean snapshot to a state where build
// scripts can run: guest control answering and the shared drive mapped.
//
// A VM still running from an earlier run is shut down first; the snapshot
// cannot be restored while it holds the disks.
func (d *Driver) Start(ctx context.Context) error {
	if d.state != stateUnstarted {
		return fmt.Errorf("vm %q already started", d.cfg.VM)
	}

	running, err := d.isRunning(ctx)
	if err != nil {
		return &StartError{Stage: StageBoot, Err: err}
	}
	if running {
		d.log.Info("vm still running from a previous build, stopping it first",
			zap.String("vm", d.cfg.VM))
		d.stop(ctx)
	}

	// The hypervisor releases media locks slightly after the VM process
	// exits; restoring too early fails spuriously.
	if err := d.sleep(ctx, d.cfg.SettleDelay); err != nil {
		return &StartError{Stage: StageBoot, Err: err}
	}

	if err := d.console.RestoreSnapshot(ctx, d.cfg.VM, d.cfg.Snapshot); err != nil {
		return &StartError{Stage: StageBoot, Err: err}
	}
	if err := d.console.Start(ctx, d.cfg.VM); err != nil {
		return &StartError{Stage: StageBoot, Err: err}
	}
	if err := d.awaitGuest(ctx); err != nil {
		return &StartError{Stage: StageBoot, Err: err}
	}
	if err := d.mapShare(ctx); err != nil {
		return &StartError{Stage: StageMapping, Err: err}
	}

	d.state = stateReady
	d.log.Info("windows builder ready", zap.String("vm", d.cfg.VM))
	return nil
}

// AppendScript adds one command to the build script. Arguments containing
// whitespace are quoted.
func (d *Driver) AppendScript(args ...string) {
	d.script.Append(args...)
}

// RunScript executes the accumulated script inside the guest. The script is
// written as a batch file into the shared build directory, run through
// cmd.exe with the driver's environment injected, and deleted again whether
// or not the build succeeded. An empty script is a no-op.
func (d *Driver) RunScript(ctx context.Context) error {
	if d.state != stateReady {
		return fmt.Errorf("vm %q is not ready to run a build script", d.cfg.VM)
	}
	if d.script.Empty() {
		return nil
	}
	d.state = stateRan

	name := fmt.Sprintf("build-%s.bat", d.newID())
	hostPath := filepath.Join(d.hostDir, name)
	guestPath := d.cfg.Drive + `\` + name

	workDir := d.cfg.WorkDir
	if workDir == "" {
		workDir = d.cfg.Drive + `\`
	}
	rendered := d.script.Render(d.cfg.VCVarsPath, d.cfg.VCVarsArch, workDir)
	if err := os.WriteFile(hostPath, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to write guest build script: %w", err)
	}
	defer func() {
		if err := os.Remove(hostPath); err != nil {
			d.log.Warn("failed to remove guest build script",
				zap.String("path", hostPath),
				zap.Error(err))
		}
	}()

	stopHeartbeat := d.startHeartbeat(ctx)
	defer stopHeartbeat()

	d.log.Info("running build script in guest",
		zap.String("vm", d.cfg.VM),
		zap.String("script", guestPath))

	if _, err := d.console.RunInGuest(ctx, d.cfg.VM, d.creds(), d.env, cmdExe, "/C", guestPath); err != nil {
		return fmt.Errorf("guest build failed: %w", err)
	}
	return nil
}

// Stop shuts the VM down and never fails: it asks the guest to power off
// via the ACPI button, waits a bounded time, then pulls the plug. Outcomes
// are logged only. Stop is safe to call in any state, including after a
// failed Start.
func (d *Driver) Stop(ctx context.Context) {
	d.stop(ctx)
	d.state = stateStopped
}

func (d *Driver) stop(ctx context.Context) {
	running, err := d.isRunning(ctx)
	if err != nil {
		d.log.Warn("failed to check vm state during shutdown", zap.Error(err))
		return
	}
	if !running {
		d.log.Debug("vm already stopped", zap.String("vm", d.cfg.VM))
		return
	}

	d.log.Info("requesting guest shutdown", zap.String("vm", d.cfg.VM))
	if err := d.console.PowerButton(ctx, d.cfg.VM); err != nil {
		d.log.Warn("failed to send power button", zap.Error(err))
	} else {
		deadline := d.now().Add(d.cfg.StopTimeout)
		for {
			running, err = d.isRunning(ctx)
			if err == nil && !running {
				d.log.Info("vm shut down cleanly", zap.String("vm", d.cfg.VM))
				return
			}
			if d.now().After(deadline) {
				break
			}
			if d.sleep(ctx, d.cfg.StopPollInterval) != nil {
				break
			}
		}
	}

	d.log.Warn("vm did not shut down cleanly, powering off", zap.String("vm", d.cfg.VM))
	if err := d.console.PowerOff(ctx, d.cfg.VM); err != nil {
		d.log.Warn("failed to power off vm", zap.Error(err))
	}
}

// awaitGuest polls until guest control can execute a trivial command. A
// freshly booted Windows guest takes tens of seconds before the additions
// service accepts logins.
func (d *Driver) awaitGuest(ctx context.Context) error {
	d.log.Info("waiting for guest control",
		zap.String("vm", d.cfg.VM),
		zap.Duration("timeout", d.cfg.BootTimeout))

	deadline := d.now().Add(d.cfg.BootTimeout)
	for attempt := 1; ; attempt++ {
		_, err := d.console.RunInGuest(ctx, d.cfg.VM, d.creds(), nil, cmdExe, "/C", "exit", "0")
		if err == nil {
			d.log.Info("guest control ready", zap.Int("attempts", attempt))
			return nil
		}
		if d.now().After(deadline) {
			return fmt.Errorf("guest control not ready after %s: %w", d.cfg.BootTimeout, err)
		}
		if serr := d.sleep(ctx, d.cfg.BootPollInterval); serr != nil {
			return serr
		}
	}
}

// mapShare exports the host build directory and maps it to the configured
// drive letter inside the guest. Shared folder registration is flaky right
// after boot, so the whole sequence retries: drop any stale mapping, add a
// fresh one, give the guest a moment, then check the drive actually answers.
func (d *Driver) mapShare(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MapAttempts; attempt++ {
		if attempt > 1 {
			d.log.Info("retrying shared folder mapping",
				zap.Int("attempt", attempt),
				zap.Int("max", d.cfg.MapAttempts))
		}

		// A transient mapping left over from an unclean earlier run
		// blocks the add; removal failure just means there was none.
		if err := d.console.RemoveSharedFolder(ctx, d.cfg.VM, d.cfg.ShareName); err != nil {
			d.log.Debug("no stale shared folder to remove", zap.Error(err))
		}

		if err := d.console.AddSharedFolder(ctx, d.cfg.VM, d.cfg.ShareName, d.hostDir); err != nil {
			lastErr = err
			continue
		}
		if err := d.sleep(ctx, d.cfg.MapSettleDelay); err != nil {
			return err
		}

		// Map the drive letter for the build user's session. The guest
		// may already have an automount in place; the verification dir
		// below is what decides success.
		unc := shareUNC + d.cfg.ShareName
		if _, err := d.console.RunInGuest(ctx, d.cfg.VM, d.creds(), nil, cmdExe, "/C", "net", "use", d.cfg.Drive, unc); err != nil {
			d.log.Debug("net use failed", zap.Error(err))
		}

		if _, err := d.console.RunInGuest(ctx, d.cfg.VM, d.creds(), nil, cmdExe, "/C", "dir", d.cfg.Drive+`\`); err != nil {
			lastErr = fmt.Errorf("drive %s not visible in guest: %w", d.cfg.Drive, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to map shared folder after %d attempts: %w", d.cfg.MapAttempts, lastErr)
}

// startHeartbeat logs progress once a minute while a guest build runs, so a
// multi-hour native build is distinguishable from a hang. The returned stop
// function ends the loop.
func (d *Driver) startHeartbeat(ctx context.Context) func() {
	start := d.now()
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			if d.sleep(hbCtx, heartbeatInterval) != nil {
				return
			}
			d.log.Info("build still running",
				zap.String("vm", d.cfg.VM),
				zap.Duration("elapsed", d.now().Sub(start).Round(time.Second)))
		}
	}()
	return cancel
}

func (d *Driver) isRunning(ctx context.Context) (bool, error) {
	names, err := d.console.ListRunning(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == d.cfg.VM {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) creds() vbox.Credentials {
	return vbox.Credentials{Username: d.cfg.Username, Password: d.cfg.Password}
}

// sleepContext sleeps for the given duration unless the context ends first.
func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
