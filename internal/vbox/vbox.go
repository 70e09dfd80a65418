// Package vbox drives VirtualBox through the VBoxManage command line tool.
//
// Only the operations the Windows build driver needs are exposed. Everything
// goes through a proc.Runner so the calls show up in the build log like any
// other external tool.
package vbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/proc"
)

// Binary is the VirtualBox control binary, resolved via PATH.
const Binary = "VBoxManage"

// Runner is the slice of proc.Runner the console needs. Tests substitute a
// recording fake.
type Runner interface {
	Run(ctx context.Context, cmd proc.Command) (string, error)
}

// Credentials authenticate guest-side process execution.
type Credentials struct {
	Username string
	Password string
}

// Console issues VBoxManage commands against the local VirtualBox install.
type Console struct {
	run Runner
	log *zap.Logger
}

// New returns a Console using the given runner.
func New(run Runner, log *zap.Logger) *Console {
	return &Console{run: run, log: log}
}

func (c *Console) manage(ctx context.Context, args ...string) (string, error) {
	return c.run.Run(ctx, proc.Command{Name: Binary, Args: args, Capture: true})
}

// Start boots the named VM headless.
func (c *Console) Start(ctx context.Context, vm string) error {
	c.log.Info("starting vm", zap.String("vm", vm))
	if _, err := c.manage(ctx, "startvm", vm, "--type", "headless"); err != nil {
		return fmt.Errorf("failed to start vm %q: %w", vm, err)
	}
	return nil
}

// RestoreSnapshot rolls the VM back to the named snapshot. The VM must be
// powered off.
func (c *Console) RestoreSnapshot(ctx context.Context, vm, snapshot string) error {
	c.log.Info("restoring snapshot",
		zap.String("vm", vm),
		zap.String("snapshot", snapshot))
	if _, err := c.manage(ctx, "snapshot", vm, "restore", snapshot); err != nil {
		return fmt.Errorf("failed to restore snapshot %q on vm %q: %w", snapshot, vm, err)
	}
	return nil
}

// PowerButton sends an ACPI power-button press, asking the guest to shut
// down cleanly.
func (c *Console) PowerButton(ctx context.Context, vm string) error {
	if _, err := c.manage(ctx, "controlvm", vm, "acpipowerbutton"); err != nil {
		return fmt.Errorf("failed to send power button to vm %q: %w", vm, err)
	}
	return nil
}

// PowerOff pulls the virtual plug.
func (c *Console) PowerOff(ctx context.Context, vm string) error {
	if _, err := c.manage(ctx, "controlvm", vm, "poweroff"); err != nil {
		return fmt.Errorf("failed to power off vm %q: %w", vm, err)
	}
	return nil
}

// ListRunning returns the names of all running VMs.
func (c *Console) ListRunning(ctx context.Context) ([]string, error) {
	out, err := c.manage(ctx, "list", "runningvms")
	if err != nil {
		return nil, fmt.Errorf("failed to list running vms: %w", err)
	}
	return parseVMList(out), nil
}

// AddSharedFolder exports hostPath into the VM under name. The mapping is
// transient so a snapshot restore never resurrects a stale one.
func (c *Console) AddSharedFolder(ctx context.Context, vm, name, hostPath string) error {
	c.log.Info("adding shared folder",
		zap.String("vm", vm),
		zap.String("name", name),
		zap.String("hostpath", hostPath))
	_, err := c.manage(ctx, "sharedfolder", "add", vm,
		"--name", name,
		"--hostpath", hostPath,
		"--transient",
		"--automount")
	if err != nil {
		return fmt.Errorf("failed to add shared folder %q to vm %q: %w", name, vm, err)
	}
	return nil
}

// RemoveSharedFolder drops a transient shared folder. Removing a mapping
// that does not exist is an error from VBoxManage; callers that only want a
// clean slate should ignore it.
func (c *Console) RemoveSharedFolder(ctx context.Context, vm, name string) error {
	_, err := c.manage(ctx, "sharedfolder", "remove", vm,
		"--name", name,
		"--transient")
	if err != nil {
		return fmt.Errorf("failed to remove shared folder %q from vm %q: %w", name, vm, err)
	}
	return nil
}

// RunInGuest executes a program inside the guest and returns its combined
// output. Extra environment variables are injected per invocation and never
// touch the guest disk.
func (c *Console) RunInGuest(ctx context.Context, vm string, creds Credentials, env map[string]string, exe string, args ...string) (string, error) {
	cmdArgs := []string{
		"guestcontrol", vm, "run",
		"--username", creds.Username,
		"--password", creds.Password,
	}
	for _, k := range sortedKeys(env) {
		cmdArgs = append(cmdArgs, "--putenv", k+"="+env[k])
	}
	cmdArgs = append(cmdArgs, "--exe", exe, "--", exe)
	cmdArgs = append(cmdArgs, args...)

	out, err := c.run.Run(ctx, proc.Command{
		Name:    Binary,
		Args:    cmdArgs,
		Capture: true,
		Redact:  redactedValues(creds, env),
	})
	if err != nil {
		return out, fmt.Errorf("failed to run %s in guest %q: %w", exe, vm, err)
	}
	return out, nil
}

// redactedValues collects everything in a guest invocation that must stay
// out of logs: the login password and all injected env values.
func redactedValues(creds Credentials, env map[string]string) []string {
	secrets := []string{creds.Password}
	for _, k := range sortedKeys(env) {
		secrets = append(secrets, k+"="+env[k])
	}
	return secrets
}

// parseVMList extracts VM names from `VBoxManage list` output, which emits
// one line per VM in the form:
//
//	"name with spaces" {uuid}
func parseVMList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		start := strings.Index(line, `"`)
		end := strings.LastIndex(line, `"`)
		if start == -1 || end <= start {
			continue
		}
		names = append(names, line[start+1:end])
	}
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
