// Package docker wraps the Docker Engine API for container-backed sites.
package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

var (
	// ErrNotFound indicates the requested image or container does not exist.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrUnavailable indicates the daemon could not be reached.
	ErrUnavailable = errors.New("docker: daemon unavailable")
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a client from the environment, pointed at host when it is set.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Connect creates a client and pings the daemon, closing the client again when the daemon
// does not answer within timeout.
func Connect(ctx context.Context, host string, timeout time.Duration) (*Client, error) {
	c, err := New(host)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("%w: client not initialized", ErrUnavailable)
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: ping returned empty API version", ErrUnavailable)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// ignoreNotFound drops not-found errors so removals stay idempotent.
func ignoreNotFound(err error, op string) error {
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
