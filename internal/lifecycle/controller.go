// Package lifecycle drives service start, stop, and restart transitions.
// Operations are synchronous: they block the caller while polling readiness
// or termination, bounded by the configured timeouts. Launch failures are
// recorded as ERROR status and never retried here; an explicit restart is
// required.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/launcher"
	"github.com/mkuzmin/stackwarden/internal/metrics"
	"github.com/mkuzmin/stackwarden/internal/registry"
	"github.com/mkuzmin/stackwarden/internal/resolver"
)

const (
	defaultStartTimeout      = 30 * time.Second
	defaultStopTimeout       = 10 * time.Second
	defaultReadinessInterval = 250 * time.Millisecond
	defaultExitPollInterval  = 100 * time.Millisecond
	defaultDialTimeout       = 500 * time.Millisecond
)

// UnsatisfiedDependenciesError reports required dependencies that are not
// RUNNING when a start was requested.
type UnsatisfiedDependenciesError struct {
	Service string
	Missing []string
}

func (e *UnsatisfiedDependenciesError) Error() string {
	return fmt.Sprintf("service %q has unsatisfied dependencies: %s", e.Service, strings.Join(e.Missing, ", "))
}

// Launch binds a service to its launcher and spec, resolved once at assembly
// time.
type Launch struct {
	Spec     launcher.Spec
	Launcher launcher.Launcher
	Enabled  bool
}

// Controller performs lifecycle transitions for registered services.
type Controller struct {
	logger   zerolog.Logger
	reg      *registry.Registry
	res      *resolver.Resolver
	launches map[string]Launch
	metrics  *metrics.Metrics

	startTimeout      time.Duration
	stopTimeout       time.Duration
	readinessInterval time.Duration
	exitPollInterval  time.Duration

	// portOpen is swapped in tests to avoid real sockets.
	portOpen func(host string, port int) bool

	// One lifecycle transition at a time; auto-restarts from the health
	// monitor race with operator-driven starts otherwise.
	mu sync.Mutex
}

// Option customizes controller behavior.
type Option func(*Controller)

// WithTimeouts overrides the start and stop timeouts.
func WithTimeouts(start, stop time.Duration) Option {
	return func(c *Controller) {
		if start > 0 {
			c.startTimeout = start
		}
		if stop > 0 {
			c.stopTimeout = stop
		}
	}
}

// WithPollIntervals overrides the readiness and exit poll sub-intervals.
func WithPollIntervals(readiness, exit time.Duration) Option {
	return func(c *Controller) {
		if readiness > 0 {
			c.readinessInterval = readiness
		}
		if exit > 0 {
			c.exitPollInterval = exit
		}
	}
}

// WithPortProbe overrides how endpoint reachability is checked.
func WithPortProbe(probe func(host string, port int) bool) Option {
	return func(c *Controller) {
		c.portOpen = probe
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New constructs a Controller over the given registry, resolver, and
// per-service launch bindings.
func New(logger zerolog.Logger, reg *registry.Registry, res *resolver.Resolver, launches map[string]Launch, opts ...Option) *Controller {
	c := &Controller{
		logger:            logger,
		reg:               reg,
		res:               res,
		launches:          launches,
		startTimeout:      defaultStartTimeout,
		stopTimeout:       defaultStopTimeout,
		readinessInterval: defaultReadinessInterval,
		exitPollInterval:  defaultExitPollInterval,
	}
	c.portOpen = func(host string, port int) bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), defaultDialTimeout)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches a service and blocks until it is ready or startTimeout
// elapses. Starting an already-RUNNING service succeeds without a second
// launch. Unsatisfied required dependencies fail before any process spawns.
func (c *Controller) Start(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx, name)
}

func (c *Controller) start(ctx context.Context, name string) error {
	svc, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if svc.Status == registry.StatusRunning {
		c.logger.Debug().Str("service", name).Msg("already running")
		return nil
	}

	ok, err := c.res.CanStart(name)
	if err != nil {
		return err
	}
	if !ok {
		missing, err := c.res.UnsatisfiedDependencies(name)
		if err != nil {
			return err
		}
		return &UnsatisfiedDependenciesError{Service: name, Missing: missing}
	}

	launch, exists := c.launches[name]
	if !exists {
		return fmt.Errorf("service %q has no launcher configured", name)
	}

	pid, err := launch.Launcher.Start(ctx, launch.Spec)
	if err != nil {
		message := fmt.Sprintf("launch failed: %v", err)
		_ = c.reg.UpdateStatus(name, registry.StatusError, message)
		c.metrics.SetServiceUp(name, false)
		return fmt.Errorf("start %s: %w", name, err)
	}

	_ = c.reg.UpdateProcessID(name, pid)
	_ = c.reg.UpdateEndpoint(name, launch.Spec.Host, launch.Spec.Port)
	_ = c.reg.UpdateStatus(name, registry.StatusStarting, "")

	c.logger.Info().
		Str("service", name).
		Int("pid", pid).
		Dur("timeout", c.startTimeout).
		Msg("waiting for service readiness")

	if err := c.awaitReady(ctx, name, launch, pid); err != nil {
		_ = c.reg.UpdateStatus(name, registry.StatusError, err.Error())
		if launch.Launcher.Alive(pid) {
			_ = launch.Launcher.Kill(ctx, pid)
		}
		c.metrics.SetServiceUp(name, false)
		return fmt.Errorf("start %s: %w", name, err)
	}

	_ = c.reg.UpdateStatus(name, registry.StatusRunning, "")
	c.metrics.SetServiceUp(name, true)
	c.logger.Info().Str("service", name).Int("pid", pid).Msg("service running")
	return nil
}

// awaitReady polls process liveness and endpoint reachability until the
// service is ready or the start timeout elapses.
func (c *Controller) awaitReady(ctx context.Context, name string, launch Launch, pid int) error {
	deadline := time.Now().Add(c.startTimeout)
	ticker := time.NewTicker(c.readinessInterval)
	defer ticker.Stop()

	for {
		if !launch.Launcher.Alive(pid) {
			return fmt.Errorf("process exited during startup (pid %d)", pid)
		}
		if launch.Spec.Port <= 0 || c.portOpen(launch.Spec.Host, launch.Spec.Port) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service did not become ready within %s", c.startTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop terminates a service, first gracefully and then forcibly once
// stopTimeout elapses. Stopping a service that is not running succeeds
// immediately.
func (c *Controller) Stop(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop(ctx, name)
}

func (c *Controller) stop(ctx context.Context, name string) error {
	svc, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if svc.Status != registry.StatusRunning && svc.Status != registry.StatusStarting {
		c.logger.Debug().Str("service", name).Str("status", string(svc.Status)).Msg("not running, nothing to stop")
		return nil
	}

	launch, exists := c.launches[name]
	if !exists {
		return fmt.Errorf("service %q has no launcher configured", name)
	}
	pid := svc.PID

	_ = c.reg.UpdateStatus(name, registry.StatusStopping, "")
	c.metrics.SetServiceUp(name, false)

	if pid > 0 && launch.Launcher.Alive(pid) {
		if err := launch.Launcher.Terminate(ctx, pid); err != nil {
			c.logger.Warn().Err(err).Str("service", name).Int("pid", pid).Msg("graceful termination failed")
		}
		if !c.awaitExit(ctx, launch, pid) {
			c.logger.Warn().Str("service", name).Int("pid", pid).Msg("process survived graceful stop, force killing")
			if err := launch.Launcher.Kill(ctx, pid); err != nil {
				message := fmt.Sprintf("force kill failed: %v", err)
				_ = c.reg.UpdateStatus(name, registry.StatusError, message)
				return fmt.Errorf("stop %s: %w", name, err)
			}
		}
	}

	_ = c.reg.UpdateStatus(name, registry.StatusStopped, "")
	_ = c.reg.UpdateProcessID(name, 0)
	c.logger.Info().Str("service", name).Msg("service stopped")
	return nil
}

// awaitExit polls for process exit up to stopTimeout. It reports whether the
// process exited on its own.
func (c *Controller) awaitExit(ctx context.Context, launch Launch, pid int) bool {
	deadline := time.Now().Add(c.stopTimeout)
	ticker := time.NewTicker(c.exitPollInterval)
	defer ticker.Stop()

	for {
		if !launch.Launcher.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Restart stops and then starts a service. A stop failure aborts the restart
// without attempting the start.
func (c *Controller) Restart(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stop(ctx, name); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return c.start(ctx, name)
}

// StartAll starts every enabled service in dependency order, failing fast on
// the first error. Services already RUNNING are skipped.
func (c *Controller) StartAll(ctx context.Context) error {
	order, err := c.res.StartupOrder()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range order {
		if launch, exists := c.launches[name]; exists && !launch.Enabled {
			c.logger.Debug().Str("service", name).Msg("disabled, skipping")
			continue
		}
		running, err := c.reg.IsRunning(name)
		if err != nil {
			return err
		}
		if running {
			continue
		}
		if err := c.start(ctx, name); err != nil {
			return fmt.Errorf("start all: %w", err)
		}
	}
	return nil
}

// StopAll stops every service in reverse dependency order. Individual
// failures are logged and collected; remaining services still get stopped.
func (c *Controller) StopAll(ctx context.Context) error {
	order, err := c.res.ShutdownOrder()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, name := range order {
		if err := c.stop(ctx, name); err != nil {
			c.logger.Error().Err(err).Str("service", name).Msg("stop failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop all: %d service(s) failed, first: %w", len(errs), errs[0])
	}
	return nil
}
