package operator

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// DockerProvisioner starts a containerized exit process on the Docker host
// it's configured against, for `ocx-ctl node register --provision` (spec:
// "RegisterExitNode... optionally provisioning a container via Docker").
// Grounded on the teacher's ghost-container pool (internal/ghostpool/pool_manager.go
// createContainer), simplified to a single run-and-report instead of a
// pre-warmed pool — exit processes are long-lived, not per-request sandboxes.
type DockerProvisioner struct {
	network string // docker network to attach so the exit is reachable by handlers
}

// NewDockerProvisioner builds a provisioner that attaches containers to the
// named Docker network.
func NewDockerProvisioner(network string) *DockerProvisioner {
	return &DockerProvisioner{network: network}
}

// ProvisionExit starts one container from image running the exit process,
// named by nodeID, and returns its address on the configured network.
func (p *DockerProvisioner) ProvisionExit(ctx context.Context, nodeID, image string) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "docker client", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.network),
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   512 * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   []string{"OCX_NODE_ID=" + nodeID},
	}, hostConfig, nil, nil, "tunnelmesh-exit-"+nodeID)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "create exit container", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", errs.Wrap(errs.Unavailable, "start exit container", err)
	}

	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "inspect exit container", err)
	}
	net, ok := inspect.NetworkSettings.Networks[p.network]
	if !ok || net.IPAddress == "" {
		return "", errs.New(errs.Unavailable, fmt.Sprintf("exit container %s has no address on network %s", resp.ID[:12], p.network))
	}
	return net.IPAddress + ":9000", nil
}
