package tools

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

type SandboxOptions struct {
	Image    string
	MemoryMB int64
	Network  string
	// Workspace is the host directory bind-mounted at /workspace.
	Workspace string
}

// DockerSandbox runs each command in a fresh container with the workspace
// mounted. It implements Executor.
type DockerSandbox struct {
	client *client.Client
	opts   SandboxOptions
}

func NewDockerSandbox(opts SandboxOptions) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSandbox{client: cli, opts: sandboxDefaults(opts)}, nil
}

func sandboxDefaults(opts SandboxOptions) SandboxOptions {
	if opts.Image == "" {
		opts.Image = "alpine:3"
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	return opts
}

// Ping reports whether the daemon is reachable.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (ExecResult, error) {
	res := ExecResult{ExitCode: -1}
	created, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.opts.Image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: containerWorkdir(d.opts.Workspace, workDir),
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.opts.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(d.opts.Network),
		Binds:       []string{d.opts.Workspace + ":" + containerWorkspace},
	}, nil, nil, "")
	if err != nil {
		return res, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	// Cleanup must outlive a cancelled ctx.
	cleanup := context.WithoutCancel(ctx)
	defer func() {
		_ = d.client.ContainerRemove(cleanup, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return res, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			_ = d.client.ContainerKill(cleanup, id, "SIGKILL")
			return res, ctx.Err()
		}
		return res, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(cleanup, id, "SIGKILL")
		return res, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return res, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return res, fmt.Errorf("demux logs: %w", err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

// containerWorkdir maps a host directory under workspace to its path inside
// the container. Anything else falls back to the mount point.
func containerWorkdir(workspace, hostDir string) string {
	if hostDir == "" || workspace == "" {
		return containerWorkspace
	}
	rel, err := filepath.Rel(workspace, hostDir)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return containerWorkspace
	}
	return path.Join(containerWorkspace, filepath.ToSlash(rel))
}
