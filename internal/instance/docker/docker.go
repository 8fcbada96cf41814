// Package docker implements the instance.Instance interface by toggling
// a long-lived container on the local Docker daemon.  It stands in for a
// cloud VM during local development: the container plays the role of
// the runner machine and is started and stopped, never removed.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/lazyrunner/internal/instance"
)

// Config holds Docker-specific settings.
type Config struct {
	// Container is the name (or ID) of the container to toggle (required).
	Container string

	// Image, when set, is used to create the container if it does not
	// exist yet.  The image is pulled first.  The created container is
	// left stopped.
	Image string

	// Command overrides the image command for a created container.
	Command []string

	// StopTimeout is how long Docker waits after SIGTERM before killing
	// the container.  Default: 30s.
	StopTimeout time.Duration
}

// containerAPI is the subset of *dockerclient.Client used here.
type containerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

// Instance toggles a Docker container.
type Instance struct {
	client      containerAPI
	name        string
	stopTimeout time.Duration
	logger      *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Instance satisfies the instance.Instance interface.
var _ instance.Instance = (*Instance)(nil)

// New connects to the Docker daemon and makes sure the configured
// container exists, creating it from cfg.Image when needed.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Instance, error) {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if err := ensureContainer(ctx, client, cfg, logger); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("docker instance client initialized", slog.String("container", cfg.Container))

	return newInstance(client, cfg, logger), nil
}

func newInstance(client containerAPI, cfg Config, logger *slog.Logger) *Instance {
	return &Instance{
		client:      client,
		name:        cfg.Container,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		tracer:      otel.Tracer("lazyrunner/instance/docker"),
	}
}

func ensureContainer(ctx context.Context, client *dockerclient.Client, cfg Config, logger *slog.Logger) error {
	_, err := client.ContainerInspect(ctx, cfg.Container)
	if err == nil {
		return nil
	}
	if !dockerclient.IsErrNotFound(err) || cfg.Image == "" {
		return fmt.Errorf("inspect container %s: %w", cfg.Container, err)
	}

	logger.Info("pulling instance image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	resp, err := client.ContainerCreate(ctx,
		&container.Config{
			Image: cfg.Image,
			Cmd:   cfg.Command,
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		cfg.Container,
	)
	if err != nil {
		return fmt.Errorf("container create %s: %w", cfg.Container, err)
	}

	logger.Info("instance container created",
		slog.String("container", cfg.Container),
		slog.String("containerID", resp.ID),
	)
	return nil
}

// Start starts the container and reports whether it is running
// afterwards.  Docker treats starting a running container as a no-op.
func (i *Instance) Start(ctx context.Context) (bool, error) {
	ctx, span := i.startSpan(ctx, "instance.docker.Start")
	defer span.End()

	i.logger.Info("starting container", slog.String("container", i.name))

	if err := i.client.ContainerStart(ctx, i.name, container.StartOptions{}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("container start %s: %w", i.name, err)
	}

	running, err := i.IsRunning(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("docker.running", running))
	return running, nil
}

// Stop stops the container, giving it StopTimeout to exit.
func (i *Instance) Stop(ctx context.Context) error {
	ctx, span := i.startSpan(ctx, "instance.docker.Stop")
	defer span.End()

	i.logger.Info("stopping container", slog.String("container", i.name))

	timeout := int(i.stopTimeout.Seconds())
	if err := i.client.ContainerStop(ctx, i.name, container.StopOptions{Timeout: &timeout}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("container stop %s: %w", i.name, err)
	}
	return nil
}

// IsRunning reports whether the container is running or restarting.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	info, err := i.client.ContainerInspect(ctx, i.name)
	if err != nil {
		return false, fmt.Errorf("container inspect %s: %w", i.name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.Running || info.State.Restarting, nil
}

// Close closes the Docker client.  The container is left as is.
func (i *Instance) Close() error {
	return i.client.Close()
}

func (i *Instance) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := i.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("docker.container", i.name))
	return ctx, span
}
