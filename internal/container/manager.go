// Package container inspects and starts the Docker containers that run the
// speech backends.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Container states reported by Checker.
const (
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateNotFound = "not_found"
	StateError    = "error"
)

// Docker is the subset of the Docker client the checker needs.
type Docker interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	Close() error
}

// Checker reports and repairs the state of the speech containers.
type Checker interface {
	// States returns the state of every configured container by name.
	States(ctx context.Context) map[string]string

	// EnsureRunning starts any configured container that exists but is stopped.
	EnsureRunning(ctx context.Context) error

	Close() error
}

// DockerChecker implements Checker using the Docker API.
type DockerChecker struct {
	cli     Docker
	names   []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDockerChecker creates a checker for the named containers using the
// environment's Docker configuration.
func NewDockerChecker(names []string, timeout time.Duration, logger *slog.Logger) (*DockerChecker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewChecker(cli, names, timeout, logger), nil
}

// NewChecker creates a checker over an existing client.
func NewChecker(cli Docker, names []string, timeout time.Duration, logger *slog.Logger) *DockerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DockerChecker{cli: cli, names: names, timeout: timeout, logger: logger}
}

// States implements Checker.
func (p *DockerChecker) States(ctx context.Context) map[string]string {
	out := make(map[string]string, len(p.names))
	for _, name := range p.names {
		state, err := p.state(ctx, name)
		if err != nil {
			p.logger.Warn("Container inspect failed", "container", name, "error", err)
		}
		out[name] = state
	}
	return out
}

func (p *DockerChecker) state(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	inspect, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateNotFound, nil
		}
		return StateError, fmt.Errorf("inspect container %s: %w", name, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// EnsureRunning implements Checker. Missing containers are reported, not created.
func (p *DockerChecker) EnsureRunning(ctx context.Context) error {
	var failed []string
	for _, name := range p.names {
		state, err := p.state(ctx, name)
		switch {
		case err != nil:
			failed = append(failed, name)
		case state == StateNotFound:
			p.logger.Warn("Speech container not found", "container", name)
			failed = append(failed, name)
		case state == StateStopped:
			p.logger.Info("Starting stopped speech container", "container", name)
			startCtx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.cli.ContainerStart(startCtx, name, container.StartOptions{})
			cancel()
			if err != nil && !errdefs.IsNotFound(err) {
				p.logger.Error("Failed to start speech container", "container", name, "error", err)
				failed = append(failed, name)
			}
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("containers not running: %s", strings.Join(failed, ", "))
	}
	return nil
}

// Close releases the Docker client.
func (p *DockerChecker) Close() error {
	return p.cli.Close()
}
