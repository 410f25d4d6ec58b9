// Package dockerd adapts the Docker Engine API to the narrow capability
// set the rest of the service depends on: pull, run, exec, stop, inspect,
// list. It leaks no Docker API types; callers see plain specs and infos so
// the daemon stays an injected capability.
package dockerd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// stopGraceSecs is how long a container gets to shut down cleanly before
// the daemon kills it.
const stopGraceSecs = 10

// ContainerSpec describes a container to run. The engine port is exposed
// on a daemon-assigned loopback port; queries go through exec, the binding
// exists for operators poking at an instance directly.
type ContainerSpec struct {
	Name     string
	Image    string
	Env      []string
	Labels   map[string]string
	MemoryMB int
	Port     int
}

// ContainerInfo is the subset of inspect output the service consumes.
type ContainerInfo struct {
	ID       string
	Name     string
	Running  bool
	Labels   map[string]string
	HostPort int
}

// Client wraps a Docker Engine API client.
type Client struct {
	api *client.Client
}

// Connect builds a client from the environment (DOCKER_HOST et al) and
// verifies the daemon responds.
func Connect(ctx context.Context) (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	c := &Client{api: api}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}
	return c, nil
}

// Ping checks daemon liveness. Used by Connect and the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return err
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.api.Close()
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return c.PullImage(ctx, ref)
}

// PullImage pulls ref and drains the progress stream. The pull is only
// complete once the stream ends.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	rc, err := c.api.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// RunContainer creates and starts a container per spec, returning its ID.
// The engine port is published on 127.0.0.1 with a daemon-assigned host
// port.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", spec.Port, err)
	}

	created, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       spec.Labels,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
			},
			Resources: container.Resources{
				Memory: int64(spec.MemoryMB) * 1024 * 1024,
			},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := c.api.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

// StopContainer stops a container, treating already-stopped as success.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	grace := stopGraceSecs
	err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace})
	if err == nil || errdefs.IsNotModified(err) || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("stopping container %s: %w", id, err)
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// DestroyContainer stops, then removes. The stop error is ignored; remove
// is forced either way.
func (c *Client) DestroyContainer(ctx context.Context, id string) error {
	_ = c.StopContainer(ctx, id)
	return c.RemoveContainer(ctx, id)
}

// InspectContainer resolves the service's view of one container.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	return infoFromInspect(inspect), nil
}

// ListByLabel returns all containers (running or not) carrying the given
// label pair.
func (c *Client) ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error) {
	summaries, err := c.api.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers by label %s=%s: %w", key, value, err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		inspect, err := c.api.ContainerInspect(ctx, s.ID)
		if err != nil {
			// Container vanished between list and inspect.
			continue
		}
		infos = append(infos, infoFromInspect(inspect))
	}
	return infos, nil
}

func infoFromInspect(inspect types.ContainerJSON) ContainerInfo {
	info := ContainerInfo{
		ID:   inspect.ID,
		Name: inspect.Name,
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil {
					info.HostPort = p
				}
			}
		}
	}
	return info
}
