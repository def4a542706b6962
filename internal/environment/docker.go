package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const defaultContainerWorkdir = "/workspace"

// NewDockerClient connects to the daemon described by DOCKER_HOST and
// friends, negotiating the API version.
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return docker, nil
}

// DockerProvisioner starts one container per run from Image. Steps run
// through docker exec; the container is force-removed on Close.
type DockerProvisioner struct {
	Client client.APIClient
	Image  string

	// Workdir defaults to /workspace.
	Workdir string

	Logger *slog.Logger
}

func (p *DockerProvisioner) Provision(ctx context.Context, runID string) (Environment, error) {
	if p.Image == "" {
		return nil, fmt.Errorf("docker environment: image is required")
	}
	workdir := p.Workdir
	if workdir == "" {
		workdir = defaultContainerWorkdir
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	name := "cigate-" + runID
	containerCfg := &container.Config{
		Image:      p.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workdir,
		Labels:     map[string]string{"cigate.run": runID},
	}
	hostCfg := &container.HostConfig{Init: boolPtr(true)}

	if err := createAndStart(ctx, p.Client, logger, name, p.Image, containerCfg, hostCfg); err != nil {
		return nil, err
	}
	logger.Debug("container started", "container", name, "image", p.Image)
	return &dockerEnvironment{client: p.Client, name: name, workdir: workdir}, nil
}

// createAndStart creates the container, pulling the image first when the
// daemon does not have it.
func createAndStart(ctx context.Context, docker client.APIClient, logger *slog.Logger, name, img string, containerCfg *container.Config, hostCfg *container.HostConfig) error {
	_, err := docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, (*ocispec.Platform)(nil), name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("create container: %w", err)
		}
		if err := pullImage(ctx, docker, logger, img); err != nil {
			return err
		}
		if _, err = docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name); err != nil {
			return fmt.Errorf("create container after pull: %w", err)
		}
	}

	if err := docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		_ = docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func pullImage(ctx context.Context, docker client.APIClient, logger *slog.Logger, img string) error {
	logger.Info("pulling image", "image", img)
	resp, err := docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", img, err)
	}
	return nil
}

type dockerEnvironment struct {
	client  client.APIClient
	name    string
	workdir string
}

func (e *dockerEnvironment) Workdir() string { return e.workdir }

func (e *dockerEnvironment) Exec(ctx context.Context, command Command) (int, error) {
	resp, err := e.client.ContainerExecCreate(ctx, e.name, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command.Script},
		Env:          envList(command.Env),
		WorkingDir:   e.workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	// Closing the hijacked connection is the only way to unblock StdCopy
	// when the context ends first.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()
	_, copyErr := stdcopy.StdCopy(writerOrDiscard(command.Stdout), writerOrDiscard(command.Stderr), attach.Reader)
	close(done)

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if copyErr != nil {
		return -1, fmt.Errorf("read exec output: %w", copyErr)
	}

	info, err := e.client.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	return info.ExitCode, nil
}

func (e *dockerEnvironment) Close(ctx context.Context) error {
	if err := e.client.ContainerRemove(ctx, e.name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", e.name, err)
		}
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
