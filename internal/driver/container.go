package driver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/splax/sitekeeper/internal/docker"
	"github.com/splax/sitekeeper/internal/domain"
)

const defaultContainerPort = 3000

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_.-]+`)

// DockerAPI is the subset of the Docker client the container driver uses.
type DockerAPI interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	EnsureImage(ctx context.Context, tag string) error
	RunContainer(ctx context.Context, opts docker.RunOptions) (string, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	ContainerRunning(ctx context.Context, id string) (bool, error)
}

// Container builds an image per deployment and runs it with a loopback-published port.
type Container struct {
	api         DockerAPI
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewContainer constructs the container driver.
func NewContainer(api DockerAPI, stopTimeout time.Duration, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Container{api: api, stopTimeout: stopTimeout, logger: logger.With("component", "driver.container")}
}

// Variant implements Driver.
func (c *Container) Variant() domain.Variant { return domain.VariantContainer }

// Build generates a Dockerfile when needed and builds the image.
func (c *Container) Build(ctx context.Context, req BuildRequest) (domain.Artifact, error) {
	generated, err := ensureDockerfile(req.Workdir, req.Site.BuildCommand)
	if err != nil {
		return domain.Artifact{}, &domain.ConfigurationError{SiteID: req.Site.ID, Field: "runtime", Reason: err.Error()}
	}
	if generated {
		req.Log.info("generated Dockerfile")
	}
	tag := imageTag(req.Site.Name, req.DeploymentID)
	req.Log.info("building image %s", tag)
	onOutput := func(line string) {
		if req.Log != nil {
			req.Log("info", line)
		}
	}
	if err := c.api.BuildImage(ctx, req.Workdir, tag, nil, onOutput); err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{Variant: domain.VariantContainer, Ref: tag}, nil
}

// Start runs the image with the host port bound to 127.0.0.1.
func (c *Container) Start(ctx context.Context, req StartRequest) (domain.RuntimePointer, error) {
	if err := c.api.EnsureImage(ctx, req.Artifact.Ref); err != nil {
		return domain.RuntimePointer{}, err
	}
	containerPort := req.Site.ContainerPort
	if containerPort <= 0 {
		containerPort = defaultContainerPort
	}
	opts := docker.RunOptions{
		Name:          fmt.Sprintf("sk-%s-%d", sanitizeName(req.Site.Name), req.Port),
		Image:         req.Artifact.Ref,
		SiteID:        req.Site.ID,
		Env:           siteEnv(req.Site),
		ContainerPort: containerPort,
		HostPort:      req.Port,
	}
	if req.Site.PersistentStorage {
		opts.Volume = "sk-" + sanitizeName(req.Site.Name) + "-data"
	}
	id, err := c.api.RunContainer(ctx, opts)
	if err != nil {
		return domain.RuntimePointer{}, err
	}
	c.logger.Info("container started", "site_id", req.Site.ID, "container", opts.Name, "port", req.Port)
	return domain.RuntimePointer{Variant: domain.VariantContainer, InstanceID: id, Port: req.Port}, nil
}

// Stop stops and removes the container. Named volumes survive.
func (c *Container) Stop(ctx context.Context, _ string, ptr domain.RuntimePointer) error {
	if ptr.InstanceID == "" {
		return nil
	}
	return c.api.StopContainer(ctx, ptr.InstanceID, c.stopTimeout)
}

// Alive implements Driver.
func (c *Container) Alive(ctx context.Context, _ string, ptr domain.RuntimePointer) (bool, error) {
	if ptr.InstanceID == "" {
		return false, nil
	}
	return c.api.ContainerRunning(ctx, ptr.InstanceID)
}

func imageTag(siteName, deploymentID string) string {
	short := deploymentID
	if len(short) > 12 {
		short = short[:12]
	}
	return "sitekeeper/" + sanitizeName(siteName) + ":" + sanitizeName(short)
}

func sanitizeName(s string) string {
	cleaned := strings.Trim(nameSanitizer.ReplaceAllString(strings.ToLower(s), "-"), "-.")
	if cleaned == "" {
		return "site"
	}
	return cleaned
}
