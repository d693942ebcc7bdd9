package workspace

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerProvisioner runs one throwaway database container per workspace,
// mounted at /scratch inside the container. Containers are labeled so
// janitor sweeps can find orphans.
type DockerProvisioner struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

const scratchLabel = "crewplane.scratch"

// NewDockerProvisioner creates a provisioner using the ambient docker
// environment.
func NewDockerProvisioner(image string, memoryMB int64, networkMode string) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "postgres:16-alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &DockerProvisioner{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Provision creates and starts the scratch container for a workspace.
func (d *DockerProvisioner) Provision(ctx context.Context, name, mountPath string) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   []string{"POSTGRES_HOST_AUTH_METHOD=trust"},
		Labels: map[string]string{
			scratchLabel: name,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/scratch", mountPath)},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create scratch container %s: %w", name, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start scratch container %s: %w", name, err)
	}
	return resp.ID, nil
}

// Teardown stops and removes a scratch container.
func (d *DockerProvisioner) Teardown(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove scratch container %s: %w", containerID, err)
	}
	return nil
}

// Close closes the docker client.
func (d *DockerProvisioner) Close() error {
	return d.client.Close()
}
