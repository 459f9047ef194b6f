package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// DockerLauncher starts services as containers through the Docker API. The
// returned pid is the container's main process pid on the host, so liveness
// checks and resource sampling work the same way as for exec'd processes.
type DockerLauncher struct {
	logger zerolog.Logger
	api    *client.Client

	mu         sync.Mutex
	containers map[int]string
}

// NewDockerLauncher initializes a Docker-backed launcher. An empty host uses
// the standard Docker environment settings.
func NewDockerLauncher(logger zerolog.Logger, host string) (*DockerLauncher, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("init docker client: %w", err)
	}

	return &DockerLauncher{
		logger:     logger,
		api:        api,
		containers: make(map[int]string),
	}, nil
}

// Start implements Launcher. The service port is published on the configured
// host address so the health monitor can probe it like any local process.
func (l *DockerLauncher) Start(ctx context.Context, spec Spec) (int, error) {
	if spec.Image == "" {
		return 0, fmt.Errorf("service %q has no image configured", spec.Name)
	}

	env := append([]string(nil), spec.Env...)
	if spec.Workers > 0 {
		env = append(env, "SERVICE_WORKERS="+strconv.Itoa(spec.Workers))
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
	}
	if len(spec.Args) > 0 {
		cfg.Cmd = spec.Args
	}

	hostCfg := &container.HostConfig{}
	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
		if err != nil {
			return 0, fmt.Errorf("service %q port: %w", spec.Name, err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   spec.Host,
				HostPort: strconv.Itoa(spec.Port),
			}},
		}
	}

	created, err := l.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "stackwarden-"+spec.Name)
	if err != nil {
		return 0, fmt.Errorf("create container for %s: %w", spec.Name, err)
	}

	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = l.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("start container for %s: %w", spec.Name, err)
	}

	inspected, err := l.api.ContainerInspect(ctx, created.ID)
	if err != nil {
		_ = l.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("inspect container for %s: %w", spec.Name, err)
	}
	if inspected.State == nil || inspected.State.Pid == 0 {
		_ = l.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("container for %s has no running process", spec.Name)
	}
	pid := inspected.State.Pid

	l.mu.Lock()
	l.containers[pid] = created.ID
	l.mu.Unlock()

	l.logger.Info().
		Str("service", spec.Name).
		Str("image", spec.Image).
		Str("container_id", created.ID[:12]).
		Int("pid", pid).
		Msg("container started")

	return pid, nil
}

// Terminate implements Launcher via a graceful container stop.
func (l *DockerLauncher) Terminate(ctx context.Context, pid int) error {
	id, err := l.lookup(pid)
	if err != nil {
		return err
	}
	if err := l.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %s: %w", id[:12], err)
	}
	return nil
}

// Kill implements Launcher, force-killing and removing the container.
func (l *DockerLauncher) Kill(ctx context.Context, pid int) error {
	id, err := l.lookup(pid)
	if err != nil {
		return err
	}
	if err := l.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("kill container %s: %w", id[:12], err)
		}
	}
	_ = l.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	l.forget(pid)
	return nil
}

// Alive implements Launcher.
func (l *DockerLauncher) Alive(pid int) bool {
	id, err := l.lookup(pid)
	if err != nil {
		return false
	}
	inspected, err := l.api.ContainerInspect(context.Background(), id)
	if err != nil {
		return false
	}
	return inspected.State != nil && inspected.State.Running
}

func (l *DockerLauncher) lookup(pid int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.containers[pid]
	if !ok {
		return "", errors.New("pid is not a tracked container")
	}
	return id, nil
}

func (l *DockerLauncher) forget(pid int) {
	l.mu.Lock()
	delete(l.containers, pid)
	l.mu.Unlock()
}
