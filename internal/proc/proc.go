// Package proc runs external tools and reports their outcome as values.
//
// Every external program the builder coordinates (VBoxManage, rsync, the
// platform build commands) goes through the same Runner so that working
// directory, environment injection, output capture and exit-status handling
// behave identically everywhere.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"go.uber.org/zap"
)

// Command describes a single external program invocation.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory for the process. Empty means inherit.
	Dir string

	// Env holds extra environment variables appended to the parent
	// environment. Values here win over inherited ones with the same key.
	Env map[string]string

	// Capture streams combined stdout+stderr live to the Runner's writer
	// while also accumulating it, so failures carry the full build log.
	Capture bool

	// Redact lists argument values that must not appear in logs, such as
	// guest passwords handed to VBoxManage.
	Redact []string
}

// ExitError reports a process that started but exited non-zero.
type ExitError struct {
	Name   string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// Runner executes commands. The zero value is not usable; call New.
type Runner struct {
	stdout io.Writer
	stderr io.Writer
	log    *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput redirects live streaming away from the process standard streams.
// Used by tests and by callers that relay output elsewhere.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// New creates a Runner that streams to the current process standard streams.
func New(log *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd and blocks until it exits or ctx is cancelled.
//
// With Capture set, combined stdout+stderr is returned and also streamed live
// to the runner's stdout writer. On a non-zero exit the error is an *ExitError
// carrying the exit code and whatever output was captured. Failures to start
// the process at all (missing binary, bad dir) are returned as plain wrapped
// errors.
func (r *Runner) Run(ctx context.Context, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)

	var buf bytes.Buffer
	if cmd.Capture {
		combined := io.MultiWriter(r.stdout, &buf)
		c.Stdout = combined
		c.Stderr = combined
	} else {
		c.Stdout = r.stdout
		c.Stderr = r.stderr
	}

	r.log.Debug("running command",
		zap.String("name", cmd.Name),
		zap.Strings("args", redactArgs(cmd.Args, cmd.Redact)),
		zap.String("dir", cmd.Dir))

	err := c.Run()
	if err == nil {
		return buf.String(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Prefer reporting cancellation over the exit status it caused.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return buf.String(), fmt.Errorf("%s interrupted: %w", cmd.Name, ctxErr)
		}
		return buf.String(), &ExitError{
			Name:   cmd.Name,
			Code:   exitErr.ExitCode(),
			Output: buf.String(),
		}
	}
	return buf.String(), fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}

// mergeEnv appends extra variables to base in sorted key order so repeated
// invocations are byte-identical (keeps logs and tests stable).
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// redactArgs replaces secret argument values with a placeholder.
func redactArgs(args, secrets []string) []string {
	if len(secrets) == 0 {
		return args
	}
	redacted := make([]string, len(args))
	for i, arg := range args {
		redacted[i] = arg
		for _, secret := range secrets {
			if secret != "" && arg == secret {
				redacted[i] = "[redacted]"
				break
			}
		}
	}
	return redacted
}
