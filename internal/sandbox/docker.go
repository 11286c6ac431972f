package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Label attached to every environment so the orphan sweep can find
	// containers that survived a process crash.
	sessionLabel = "agentbox.session"

	containerUser   = "1000"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	// Sandbox network configuration.
	sandboxNetwork = "agentbox-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// encodingEnv forces deterministic text encoding inside every environment so
// tool output is stable regardless of the image's locale defaults.
var encodingEnv = []string{
	"LANG=C.UTF-8",
	"LC_ALL=C.UTF-8",
	"PYTHONIOENCODING=utf-8",
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerRuntime creates a new Docker-backed runtime.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerRuntime(image, runtime string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime, "image", image)
	} else {
		slog.Info("Docker client initialized", "runtime", "default", "image", image)
	}
	return &DockerRuntime{cli: cli, image: image, runtime: runtime}, nil
}

// Provision creates and starts a fresh environment for a session.
func (r *DockerRuntime) Provision(ctx context.Context, sessionID, workspacePath string) (string, error) {
	containerName := fmt.Sprintf("agentbox-%s", sessionID)
	volumeName := fmt.Sprintf("agentbox-%s-data", sessionID)

	// A lingering named container from a previous life is stale by
	// definition: a terminated sandbox is recreated, never resurrected.
	if inspect, err := r.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Found stale container, removing before provision",
			"container_id", inspect.ID,
			"session_id", sessionID,
		)
		if err := r.Destroy(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale container", "error", err, "container_id", inspect.ID)
		}
	}

	config := &container.Config{
		Image:      r.image,
		User:       containerUser,
		WorkingDir: workspacePath,
		Env:        encodingEnv,
		Labels:     map[string]string{sessionLabel: sessionID},
		// Keep the container alive between exec calls.
		Cmd: []string{"sleep", "infinity"},
	}

	hostConfig := &container.HostConfig{
		Runtime:     r.runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workspacePath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent/delayed cleanup can leave the old named container
		// briefly. Force-remove by name and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"session_id", sessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := r.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if destroyErr := r.Destroy(ctx, inspect.ID); destroyErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", destroyErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Environment provisioned", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// Exec runs a shell command in the environment's workspace.
func (r *DockerRuntime) Exec(ctx context.Context, environmentID, workdir, command string, timeout time.Duration) (*ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
		Env:          encodingEnv,
		User:         containerUser,
		Cmd:          []string{"/bin/sh", "-lc", command},
	}

	resp, err := r.cli.ContainerExecCreate(execCtx, environmentID, execConfig)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		return nil, fmt.Errorf("create exec in container %s: %w", environmentID, err)
	}

	attach, err := r.cli.ContainerExecAttach(execCtx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		return nil, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	// The exec stream is multiplexed; demux into stdout/stderr.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	// Inspect outside the (possibly expired) exec context so a slow command
	// still reports its exit code to the caller.
	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Destroy stops and removes an environment.
// It is idempotent and handles concurrent calls gracefully.
func (r *DockerRuntime) Destroy(ctx context.Context, environmentID string) error {
	slog.Info("Destroying environment", "container_id", environmentID)

	_, err := r.cli.ContainerInspect(ctx, environmentID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", environmentID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", environmentID, err)
	}

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, environmentID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed by another process.
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", environmentID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", environmentID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", environmentID, "error", err)
		}
	}

	if err := r.cli.ContainerRemove(ctx, environmentID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", environmentID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", environmentID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", environmentID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", environmentID, err)
	}

	slog.Info("Environment destroyed", "container_id", environmentID)
	return nil
}

// ListEnvironments returns environmentID -> sessionID for all labeled
// containers, including stopped ones.
func (r *DockerRuntime) ListEnvironments(ctx context.Context) (map[string]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	envs := make(map[string]string, len(containers))
	for _, c := range containers {
		envs[c.ID] = c.Labels[sessionLabel]
	}
	return envs, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: sandboxSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}
