package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	DefaultManimImage = "manimcommunity/manim:stable"

	containerWorkDir = "/manim"
	removeTimeout    = 10 * time.Second
)

// DockerRunner renders each job in a throwaway container with the work
// directory bind-mounted and networking disabled.
type DockerRunner struct {
	cli      *client.Client
	image    string
	memory   int64
	cpuQuota int64
	pids     int64
}

// DockerOptions bounds the render container.
type DockerOptions struct {
	Image       string
	MemoryBytes int64
	CPUQuota    int64 // in units of 1/100000 CPU
	PidsLimit   int64
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(opts DockerOptions) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.Image == "" {
		opts.Image = DefaultManimImage
	}
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = 1024 * 1024 * 1024
	}
	if opts.CPUQuota == 0 {
		opts.CPUQuota = 100000
	}
	if opts.PidsLimit == 0 {
		opts.PidsLimit = 256
	}
	return &DockerRunner{
		cli:      cli,
		image:    opts.Image,
		memory:   opts.MemoryBytes,
		cpuQuota: opts.CPUQuota,
		pids:     opts.PidsLimit,
	}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

func (r *DockerRunner) Run(ctx context.Context, job SceneJob) (string, error) {
	// The image runs as an unprivileged user that must write into the mount.
	if err := os.Chmod(job.WorkDir, 0o777); err != nil {
		return "", fmt.Errorf("prepare work dir: %w", err)
	}

	config := &container.Config{
		Image:      r.image,
		Cmd:        append([]string{"manim"}, job.Args()...),
		WorkingDir: containerWorkDir,
	}
	pids := r.pids
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: job.WorkDir,
			Target: containerWorkDir,
		}},
		Resources: container.Resources{
			Memory:    r.memory,
			CPUQuota:  r.cpuQuota,
			PidsLimit: &pids,
		},
	}

	name := "vizlearn-manim-" + uuid.NewString()[:8]
	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("manim container: %w", ctxErr)
			}
			return "", fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return "", fmt.Errorf("manim exited with status %d: %s", status.StatusCode, r.logs(ctx, resp.ID))
		}
	}

	return findVideo(job.WorkDir)
}

func (r *DockerRunner) logs(ctx context.Context, id string) string {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err.Error()
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		slog.Debug("read container logs", "container_id", id, "error", err)
	}
	return tail(out.String(), 2000)
}

// remove force-removes the container even when the render context is done.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to remove render container", "container_id", id, "error", err)
	}
}
