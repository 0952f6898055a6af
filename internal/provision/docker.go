package provision

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerClient wraps the Docker SDK client with the few operations service
// provisioning needs.
type DockerClient struct {
	inner *client.Client
}

// NewDockerClient creates a Docker client using environment defaults.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// PullImage fetches the image, draining the progress stream so the pull
// completes before the container is created.
func (c *DockerClient) PullImage(ctx context.Context, ref string) error {
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// StartService creates and starts a service container publishing port on an
// ephemeral loopback port, and returns the container ID and bound host port.
func (c *DockerClient) StartService(ctx context.Context, name, imageRef string, env []string, port nat.Port, labels map[string]string) (string, string, error) {
	if strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("container name cannot be empty")
	}
	if err := c.PullImage(ctx, imageRef); err != nil {
		return "", "", err
	}

	config := &container.Config{
		Image:        imageRef,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return "", "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, "", fmt.Errorf("container start: %w", err)
	}

	hostPort, err := c.waitHostPort(ctx, created.ID, port)
	if err != nil {
		return created.ID, "", err
	}
	return created.ID, hostPort, nil
}

// waitHostPort polls inspect until the ephemeral binding shows up.
func (c *DockerClient) waitHostPort(ctx context.Context, containerID string, port nat.Port) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		inspect, err := c.inner.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("container inspect: %w", err)
		}
		if inspect.NetworkSettings != nil {
			for _, binding := range inspect.NetworkSettings.Ports[port] {
				if strings.TrimSpace(binding.HostPort) != "" {
					return binding.HostPort, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("no host port bound for %s", port)
}

// RemoveContainer force-removes a container and its volumes.
func (c *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *DockerClient) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
