// Package docker implements internal/sandbox.Manager using Docker
// containers, adapted from the teacher's pkg/sandbox/docker/manager.go:
// the container lifecycle (inspect/create/start, one container per
// session named "session-<id>") is kept almost verbatim, but execution is
// generalized from an HTTP POST to a custom IPython-cell server inside the
// container to a Docker exec of the caller's shell command, so any base
// image works rather than requiring the teacher's bespoke sandbox-python
// image.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/wilbur182/forge-agent/internal/sandbox"
)

// DefaultImage is the image a session container starts from when Config
// doesn't override it. Unlike the teacher's bespoke sandbox-python image,
// any image with a shell on PATH works here.
const DefaultImage = "alpine:latest"

// Config configures a Manager.
type Config struct {
	// Image is the container image new session containers are started
	// from. Defaults to DefaultImage.
	Image string
	// Shell is the interpreter invoked with "-c" inside the container.
	// Defaults to "/bin/sh".
	Shell string
}

// Manager implements sandbox.Manager using Docker containers.
type Manager struct {
	cli   *client.Client
	image string
	shell string
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a Manager from the ambient Docker environment (DOCKER_HOST,
// etc.), mirroring the teacher's client.NewClientWithOpts call exactly.
func New(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: creating client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = DefaultImage
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	return &Manager{cli: cli, image: image, shell: shell}, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

func (m *Manager) containerName(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Run executes command inside sessionID's container via Docker exec,
// starting the container first if it doesn't exist or isn't running.
func (m *Manager) Run(ctx context.Context, sessionID string, command string) (*sandbox.Result, error) {
	name, err := m.ensureRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	execCfg := types.ExecConfig{
		Cmd:          []string{m.shell, "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}
	execID, err := m.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: creating exec: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: attaching exec: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("sandbox/docker: reading exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: inspecting exec: %w", err)
	}

	return &sandbox.Result{
		Output:   out.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Stop removes sessionID's container, if any, matching the teacher's
// force-remove-on-stop behavior.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	return m.cli.ContainerRemove(ctx, m.containerName(sessionID), types.ContainerRemoveOptions{
		Force: true,
	})
}

// ensureRunning checks whether sessionID's container exists and is
// running, creating and/or starting it as needed, and returns its name
// (container exec addresses by name or ID equally).
func (m *Manager) ensureRunning(ctx context.Context, sessionID string) (string, error) {
	name := m.containerName(sessionID)

	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx, sessionID)
		}
		return "", fmt.Errorf("sandbox/docker: inspecting container: %w", err)
	}

	if c.State.Running {
		return name, nil
	}

	if err := m.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox/docker: starting container: %w", err)
	}
	return name, nil
}

func (m *Manager) createAndStart(ctx context.Context, sessionID string) (string, error) {
	cfg := &container.Config{
		Image: m.image,
		// Keep the container alive with an idle tail; actual commands run
		// via exec rather than as the container's main process, so the
		// image's own entrypoint/cmd doesn't matter as long as it exits
		// quickly or is overridden here.
		Cmd:       []string{"tail", "-f", "/dev/null"},
		Tty:       false,
		OpenStdin: false,
	}
	hostCfg := &container.HostConfig{}

	name := m.containerName(sessionID)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("sandbox/docker: creating container (image %q): %w", m.image, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox/docker: starting container: %w", err)
	}
	return name, nil
}
