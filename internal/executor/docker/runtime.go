// Package docker is the Docker Engine API side of the sandbox: daemon health,
// image prewarming and removal of sandbox containers the CLI left behind.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"golang.org/x/sync/errgroup"
)

// apiClient is the subset of *client.Client the runtime uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Runtime wraps a Docker client. It implements engine.ContainerRuntime.
type Runtime struct {
	cli    apiClient
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Runtime from the environment (DOCKER_HOST and friends). It
// does not contact the daemon; call Ping for that.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}
	return newRuntime(cli, cfg, logger), nil
}

func newRuntime(cli apiClient, cfg Config, logger *slog.Logger) *Runtime {
	d := DefaultConfig()
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = d.PullTimeout
	}
	if cfg.PullConcurrency <= 0 {
		cfg.PullConcurrency = d.PullConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	return &Runtime{
		cli:    cli,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	return nil
}

// EnsureImages makes sure every image is present locally, pulling the missing
// ones in parallel. It is a no-op when PullImages is off.
func (r *Runtime) EnsureImages(ctx context.Context, images []string) error {
	if !r.config.PullImages {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PullTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.PullConcurrency)
	for _, ref := range images {
		g.Go(func() error {
			return r.ensureImage(ctx, ref)
		})
	}
	return g.Wait()
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err == nil {
		r.logger.Debug("docker image already present", slog.String("image", ref))
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: inspecting image %s: %w", ref, err)
	}

	r.logger.Info("pulling docker image", slog.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker: pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull is only complete once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("docker: pulling image %s: %w", ref, err)
	}
	r.logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}

// RemoveContainer force-removes a container by name or id. A container that
// is already gone counts as removed.
func (r *Runtime) RemoveContainer(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: removing container %s: %w", name, err)
	}
	return nil
}

// RemoveOrphans force-removes every container carrying label that was created
// more than olderThan ago. No run lives that long, so whatever matches was
// abandoned, for example by a crash between kill and reap.
func (r *Runtime) RemoveOrphans(ctx context.Context, label string, olderThan time.Duration) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return 0, fmt.Errorf("docker: listing containers: %w", err)
	}

	cutoff := r.now().Add(-olderThan)
	removed := 0
	for _, c := range list {
		if time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		if err := r.RemoveContainer(ctx, c.ID); err != nil {
			r.logger.Error("failed to remove orphaned container",
				slog.String("id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}
