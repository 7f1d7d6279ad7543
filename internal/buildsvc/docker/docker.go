// Package docker implements the buildsvc.Service interface using the
// local Docker daemon.  It exists for development: the agent runs in a
// plain container instead of a CodeBuild build, with the same
// bootstrap environment.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/codebuild-agents/internal/bootstrap"
	"github.com/terrpan/codebuild-agents/internal/buildsvc"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image that runs the agent.
	Image string

	// Pull controls whether the image is pulled when the service is
	// created.
	Pull bool
}

// Service runs agent containers on the local Docker daemon.
type Service struct {
	client *dockerclient.Client
	image  string
	logger *slog.Logger
}

// Compile-time check that Service satisfies the buildsvc.Service interface.
var _ buildsvc.Service = (*Service)(nil)

// New creates a Docker service, connects to the daemon, and optionally
// pulls the agent image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.Pull {
		logger.Info("pulling agent image", slog.String("image", cfg.Image))

		pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.ReadAll(pull); err != nil {
			return nil, fmt.Errorf("reading image pull response: %w", err)
		}
		if err := pull.Close(); err != nil {
			return nil, fmt.Errorf("closing image pull stream: %w", err)
		}

		logger.Info("agent image ready", slog.String("image", cfg.Image))
	}

	return &Service{
		client: client,
		image:  cfg.Image,
		logger: logger,
	}, nil
}

// StartBuild creates and starts a container carrying the spec's
// bootstrap environment.  The spec's image override wins over the
// service-level image; project, environment type, compute type, and
// buildspec have no local equivalent and are ignored.
func (s *Service) StartBuild(ctx context.Context, spec buildsvc.StartSpec) (string, error) {
	img := spec.Image
	if img == "" {
		img = s.image
	}

	resp, err := s.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: img,
			Env:   containerEnv(spec.Env),
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		containerName(spec.Env),
	)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = s.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	s.logger.Info("agent container started",
		slog.String("image", img),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// StopBuild force-removes the container identified by id.  Removing an
// already-removed container is not an error.
func (s *Service) StopBuild(ctx context.Context, id string) error {
	s.logger.Info("removing agent container", slog.String("containerID", id))

	if err := s.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

// BuildStatus inspects the container and reports whether its mapped
// status is one of the statuses in filter.  A removed container counts
// as stopped.
func (s *Service) BuildStatus(ctx context.Context, id string, filter []buildsvc.Status) (buildsvc.Status, bool, error) {
	var status buildsvc.Status

	inspect, err := s.client.ContainerInspect(ctx, id)
	switch {
	case dockerclient.IsErrNotFound(err):
		status = buildsvc.StatusStopped
	case err != nil:
		return "", false, fmt.Errorf("container inspect %s: %w", id, err)
	default:
		status = mapState(inspect.State)
	}

	for _, f := range filter {
		if status == f {
			return status, true, nil
		}
	}
	return status, false, nil
}

// mapState translates a container state into the build status model.
func mapState(state *container.State) buildsvc.Status {
	if state == nil {
		return buildsvc.StatusFault
	}
	switch state.Status {
	case "created", "running", "restarting":
		return buildsvc.StatusInProgress
	case "exited":
		if state.ExitCode == 0 {
			return buildsvc.StatusSucceeded
		}
		return buildsvc.StatusFailed
	case "removing":
		return buildsvc.StatusStopped
	default: // "dead", "paused"
		return buildsvc.StatusFault
	}
}

// containerEnv renders bootstrap parameters as docker environment entries.
func containerEnv(params []bootstrap.Parameter) []string {
	env := make([]string, 0, len(params))
	for _, p := range params {
		env = append(env, fmt.Sprintf("%s=%s", p.Name, p.Value))
	}
	return env
}

// containerName derives a stable container name from the agent name
// parameter, if present.  Docker names reject most punctuation, so the
// name is sanitized; an empty result lets the daemon pick one.
func containerName(params []bootstrap.Parameter) string {
	for _, p := range params {
		if p.Name == bootstrap.NameAgentName {
			return "agent-" + sanitizeName(p.Value)
		}
	}
	return ""
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
