package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// containerWorkDir is where the checkout is mounted inside the build
// container.
const containerWorkDir = "/project"

// dockerBuildScript runs inside the container with the checkout mounted at
// containerWorkDir.
const dockerBuildScript = "set -e\nyarn install --frozen-lockfile\nyarn run %s\n"

// Docker builds inside a container, which is how the Linux installers are
// produced without polluting the host with their toolchain.
type Docker struct {
	cli client.APIClient
	log *zap.Logger
	out io.Writer
}

// NewDocker returns a runner using the given Docker API client.
func NewDocker(cli client.APIClient, log *zap.Logger) *Docker {
	return &Docker{cli: cli, log: log, out: os.Stdout}
}

// NewDockerFromEnv connects to the Docker daemon configured in the
// environment.
func NewDockerFromEnv(log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDocker(cli, log), nil
}

// Run pulls the target's build image, mounts the checkout into a container
// and runs the build script in it. The bind mount means artifacts appear in
// the checkout's dist directory like a local build.
func (d *Docker) Run(ctx context.Context, b Build) (string, error) {
	if b.ConfigFile != "" {
		if err := copyConfigInto(b.ConfigFile, b.CheckoutDir); err != nil {
			return "", err
		}
	}

	d.log.Info("pulling build image",
		zap.String("image", b.Target.Image),
		zap.String("target", b.Target.Name()))

	pullReader, err := d.cli.ImagePull(ctx, b.Target.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %q: %w", b.Target.Image, err)
	}
	// Drain the pull stream; the image is only complete once it ends.
	if _, err := io.Copy(io.Discard, pullReader); err != nil {
		pullReader.Close()
		return "", fmt.Errorf("failed to read image pull output: %w", err)
	}
	pullReader.Close()

	script := fmt.Sprintf(dockerBuildScript, buildScriptName(b.Target.Arch))
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      b.Target.Image,
			Entrypoint: []string{"/bin/sh", "-c", script},
			WorkingDir: containerWorkDir,
			Env:        envList(b.Env),
		},
		&container.HostConfig{
			Binds: []string{b.CheckoutDir + ":" + containerWorkDir},
		},
		nil, // networking config
		nil, // platform
		"",  // container name (auto-generated)
	)
	if err != nil {
		return "", fmt.Errorf("failed to create build container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeErr := d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			d.log.Warn("failed to remove build container",
				zap.String("container_id", containerID),
				zap.Error(removeErr))
		}
	}()

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start build container: %w", err)
	}

	d.log.Info("build container started",
		zap.String("container_id", containerID),
		zap.String("target", b.Target.Name()))

	logReader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach to build container logs: %w", err)
	}
	defer logReader.Close()

	// Docker multiplexes stdout/stderr into one stream; demux both into
	// the live build log.
	if _, err := stdcopy.StdCopy(d.out, d.out, logReader); err != nil {
		d.log.Warn("build log stream ended early", zap.Error(err))
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("failed to wait for build container: %w", err)
		}
	case result := <-statusCh:
		if err := waitError(result); err != nil {
			return "", err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return filepath.Join(b.CheckoutDir, "dist"), nil
}

// waitError interprets a ContainerWait result. The daemon can attach an
// error message to the response even when it delivers an exit status.
func waitError(result container.WaitResponse) error {
	if result.Error != nil && result.Error.Message != "" {
		return fmt.Errorf("container build failed: %s", result.Error.Message)
	}
	if result.StatusCode != 0 {
		return fmt.Errorf("container build exited with status %d", result.StatusCode)
	}
	return nil
}

// envList renders an env map as the KEY=VALUE slice the Docker API wants,
// sorted for stable container specs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
