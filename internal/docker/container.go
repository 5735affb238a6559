package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	managedLabel = "dev.sitekeeper.managed"
	siteLabel    = "dev.sitekeeper.site"
)

// RunOptions describes a site container.
type RunOptions struct {
	Name          string
	Image         string
	SiteID        string
	Env           []string
	ContainerPort int
	// HostPort is published on 127.0.0.1 only; the routing proxy is the public entry point.
	HostPort int
	// Volume, when set, is a named volume mounted at /data.
	Volume string
}

// RunContainer creates and starts a container, replacing a stale one with the same name.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if err := c.RemoveContainer(ctx, opts.Name); err != nil {
		return "", err
	}
	config, hostCfg, err := containerConfig(opts)
	if err != nil {
		return "", err
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.Background(), r.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

func containerConfig(opts RunOptions) (*container.Config, *container.HostConfig, error) {
	if opts.ContainerPort <= 0 || opts.HostPort <= 0 {
		return nil, nil, fmt.Errorf("container and host ports are required")
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("container port: %w", err)
	}
	env := append([]string{}, opts.Env...)
	env = append(env, "PORT="+strconv.Itoa(opts.ContainerPort))

	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			managedLabel: "true",
			siteLabel:    opts.SiteID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if opts.Volume != "" {
		hostCfg.Mounts = []mount.Mount{{Type: mount.TypeVolume, Source: opts.Volume, Target: "/data"}}
	}
	return config, hostCfg, nil
}

// StopContainer stops and removes the container, giving it timeout to exit.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	secs := int(timeout.Seconds())
	if err := ignoreNotFound(c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}), "container stop"); err != nil {
		return err
	}
	return c.RemoveContainer(ctx, id)
}

// RemoveContainer removes a container if it exists. Named volumes are kept.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	return ignoreNotFound(c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}), "remove container")
}

// ContainerRunning reports whether the container exists and is running.
func (c *Client) ContainerRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return false, nil
	}
	return inspect.State.Running, nil
}

// EnsureImage returns ErrNotFound when tag is not present locally.
func (c *Client) EnsureImage(ctx context.Context, tag string) error {
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, tag); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("image %s: %w", tag, ErrNotFound)
		}
		return fmt.Errorf("image inspect: %w", err)
	}
	return nil
}
