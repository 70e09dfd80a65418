package proc

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// skipIfNoShell skips tests that exercise a real /bin/sh.
func skipIfNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newTestRunner() (*Runner, *bytes.Buffer) {
	var out bytes.Buffer
	r := New(zap.NewNop(), WithOutput(&out, &out))
	return r, &out
}

func TestRunCapturesCombinedOutput(t *testing.T) {
	skipIfNoShell(t)
	r, live := newTestRunner()

	output, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
		Capture: true,
	})
	require.NoError(t, err)

	assert.Contains(t, output, "out")
	assert.Contains(t, output, "err")
	// Capture also streams live.
	assert.Equal(t, output, live.String())
}

func TestRunNonZeroExit(t *testing.T) {
	skipIfNoShell(t)
	r, _ := newTestRunner()

	output, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo nope; exit 3"},
		Capture: true,
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Output, "nope")
	assert.Contains(t, exitErr.Error(), "status 3")
	// Output accumulated before the failure is still returned.
	assert.Contains(t, output, "nope")
}

func TestRunInjectsEnvironment(t *testing.T) {
	skipIfNoShell(t)
	r, _ := newTestRunner()

	output, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "printf '%s' \"$BUILDER_TEST_VALUE\""},
		Env:     map[string]string{"BUILDER_TEST_VALUE": "forty-two"},
		Capture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "forty-two", output)
}

func TestRunWorkingDirectory(t *testing.T) {
	skipIfNoShell(t)
	r, _ := newTestRunner()

	dir := t.TempDir()
	output, err := r.Run(context.Background(), Command{
		Name:    "pwd",
		Dir:     dir,
		Capture: true,
	})
	require.NoError(t, err)

	// Resolve symlinks: on macOS t.TempDir lives under /private/var.
	got, err := filepath.EvalSymlinks(strings.TrimSpace(output))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunMissingBinary(t *testing.T) {
	r, _ := newTestRunner()

	_, err := r.Run(context.Background(), Command{Name: "element-builder-does-not-exist"})
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr), "start failures are not exit failures")
}

func TestRunContextCancellation(t *testing.T) {
	skipIfNoShell(t)
	r, _ := newTestRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Command{
		Name: "sh",
		Args: []string{"-c", "sleep 10"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMergeEnvSortedAndAppended(t *testing.T) {
	base := []string{"PATH=/bin"}
	merged := mergeEnv(base, map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2"}, merged)

	// No extra env returns base untouched.
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestRedactArgs(t *testing.T) {
	args := []string{"guestcontrol", "vm", "run", "--password", "hunter2"}

	redacted := redactArgs(args, []string{"hunter2"})
	assert.Equal(t, []string{"guestcontrol", "vm", "run", "--password", "[redacted]"}, redacted)

	// Originals are left alone.
	assert.Equal(t, "hunter2", args[4])

	// Empty secrets never match.
	assert.Equal(t, args, redactArgs(args, []string{""}))
	assert.Equal(t, args, redactArgs(args, nil))
}
