// Package engine assembles the orchestrator from configuration and runs it:
// it registers services, starts them in dependency order, keeps the health
// and resource loops running, and tears everything down on shutdown.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/config"
	"github.com/mkuzmin/stackwarden/internal/health"
	"github.com/mkuzmin/stackwarden/internal/healthcheck"
	"github.com/mkuzmin/stackwarden/internal/launcher"
	"github.com/mkuzmin/stackwarden/internal/lifecycle"
	"github.com/mkuzmin/stackwarden/internal/metrics"
	"github.com/mkuzmin/stackwarden/internal/notify"
	"github.com/mkuzmin/stackwarden/internal/registry"
	"github.com/mkuzmin/stackwarden/internal/resolver"
	"github.com/mkuzmin/stackwarden/internal/resource"
	"github.com/mkuzmin/stackwarden/internal/state"
)

const stopAllTimeout = 60 * time.Second

// Engine wires the registry, resolver, lifecycle controller, health monitor,
// and resource manager together.
type Engine struct {
	logger    zerolog.Logger
	cfg       config.Config
	reg       *registry.Registry
	res       *resolver.Resolver
	ctrl      *lifecycle.Controller
	monitor   *health.Monitor
	resources *resource.Manager
	tracker   *healthcheck.Tracker
	metrics   *metrics.Metrics
}

// Option customizes engine assembly, mainly for tests.
type Option func(*assembly)

type assembly struct {
	execLauncher   launcher.Launcher
	dockerLauncher launcher.Launcher
	sampler        resource.Sampler
	alerter        notify.Alerter
	prober         health.Prober
	portProbe      func(host string, port int) bool
	metrics        *metrics.Metrics
}

// WithExecLauncher overrides the process launcher.
func WithExecLauncher(l launcher.Launcher) Option {
	return func(a *assembly) {
		a.execLauncher = l
	}
}

// WithDockerLauncher overrides the container launcher.
func WithDockerLauncher(l launcher.Launcher) Option {
	return func(a *assembly) {
		a.dockerLauncher = l
	}
}

// WithSampler overrides the resource sampler.
func WithSampler(s resource.Sampler) Option {
	return func(a *assembly) {
		a.sampler = s
	}
}

// WithAlerter overrides the assembled alert sinks.
func WithAlerter(alerter notify.Alerter) Option {
	return func(a *assembly) {
		a.alerter = alerter
	}
}

// WithProber overrides the endpoint health prober.
func WithProber(p health.Prober) Option {
	return func(a *assembly) {
		a.prober = p
	}
}

// WithPortProbe overrides endpoint reachability checks.
func WithPortProbe(probe func(host string, port int) bool) Option {
	return func(a *assembly) {
		a.portProbe = probe
	}
}

// WithMetrics overrides the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *assembly) {
		a.metrics = m
	}
}

// New assembles an Engine from configuration and service definitions.
func New(logger zerolog.Logger, cfg config.Config, defs []config.ServiceDef, opts ...Option) (*Engine, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no services defined")
	}

	a := &assembly{}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.alerter == nil {
		a.alerter = buildAlerter(logger, cfg)
	}
	if a.prober == nil {
		a.prober = health.NewHTTPProber(cfg.HealthPath, cfg.ProbeTimeout)
	}

	reg := registry.New()
	launches := make(map[string]lifecycle.Launch, len(defs))
	launchers := make(map[string]launcher.Launcher, len(defs))

	for _, def := range defs {
		cfgMap := map[string]any{
			"enabled": def.IsEnabled(),
		}
		if def.Workers > 0 {
			cfgMap["workers"] = def.Workers
		}
		if !def.ResourceLimits.IsZero() {
			cfgMap["resource_limits"] = def.ResourceLimits
		}

		if err := reg.Register(registry.Registration{
			Name:                 def.Name,
			Description:          def.Description,
			Dependencies:         def.Dependencies,
			OptionalDependencies: def.OptionalDependencies,
			Config:               cfgMap,
		}); err != nil {
			return nil, err
		}

		// Launch strategy is resolved here, at assembly time; nothing
		// dispatches on the service name later.
		var l launcher.Launcher
		var err error
		if def.Image != "" {
			l, err = a.docker(logger)
		} else {
			l = a.exec(logger)
		}
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.Name, err)
		}

		host := def.Host
		if host == "" && def.Port > 0 {
			host = "127.0.0.1"
		}
		launches[def.Name] = lifecycle.Launch{
			Spec: launcher.Spec{
				Name:    def.Name,
				Command: def.Command,
				Args:    def.Args,
				Env:     flattenEnv(def.Env),
				Dir:     def.Dir,
				Image:   def.Image,
				Host:    host,
				Port:    def.Port,
				Workers: def.Workers,
			},
			Launcher: l,
			Enabled:  def.IsEnabled(),
		}
		launchers[def.Name] = l
	}

	res := resolver.New(reg)
	if _, err := res.StartupOrder(); err != nil {
		return nil, fmt.Errorf("dependency graph: %w", err)
	}

	ctrlOpts := []lifecycle.Option{
		lifecycle.WithTimeouts(cfg.StartTimeout, cfg.StopTimeout),
		lifecycle.WithMetrics(a.metrics),
	}
	if a.portProbe != nil {
		ctrlOpts = append(ctrlOpts, lifecycle.WithPortProbe(a.portProbe))
	}
	ctrl := lifecycle.New(logger, reg, res, launches, ctrlOpts...)
	tracker := healthcheck.NewTracker()

	monitorOpts := []health.Option{
		health.WithLaunchers(launchers),
		health.WithProber(a.prober),
		health.WithAlerter(a.alerter),
		health.WithHistorySize(cfg.HistorySize),
		health.WithMetrics(a.metrics),
		health.WithCycleRecorder(tracker),
	}
	if cfg.AutoRestart {
		monitorOpts = append(monitorOpts, health.WithRestarter(ctrl, cfg.MaxRestarts, cfg.RestartCooldown))
	}
	if cfg.StateFile != "" {
		monitorOpts = append(monitorOpts, health.WithStateStore(state.NewFileStore(cfg.StateFile, logger)))
	}
	if a.portProbe != nil {
		monitorOpts = append(monitorOpts, health.WithPortProbe(a.portProbe))
	}
	monitor := health.New(logger, reg, cfg.HealthInterval, monitorOpts...)

	sampler := a.sampler
	if sampler == nil {
		var err error
		sampler, err = resource.NewProcfsSampler(cfg.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("resource sampler: %w", err)
		}
	}
	resources := resource.New(logger, reg, sampler, cfg.ResourceInterval,
		resource.WithHistorySize(cfg.HistorySize),
		resource.WithMetrics(a.metrics),
		resource.WithCycleRecorder(tracker),
	)
	for _, def := range defs {
		if !def.ResourceLimits.IsZero() {
			resources.SetLimits(def.Name, def.ResourceLimits)
		}
	}

	return &Engine{
		logger:    logger,
		cfg:       cfg,
		reg:       reg,
		res:       res,
		ctrl:      ctrl,
		monitor:   monitor,
		resources: resources,
		tracker:   tracker,
		metrics:   a.metrics,
	}, nil
}

func (a *assembly) exec(logger zerolog.Logger) launcher.Launcher {
	if a.execLauncher == nil {
		a.execLauncher = launcher.NewExecLauncher(logger)
	}
	return a.execLauncher
}

func (a *assembly) docker(logger zerolog.Logger) (launcher.Launcher, error) {
	if a.dockerLauncher == nil {
		l, err := launcher.NewDockerLauncher(logger, "")
		if err != nil {
			return nil, err
		}
		a.dockerLauncher = l
	}
	return a.dockerLauncher, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

func buildAlerter(logger zerolog.Logger, cfg config.Config) notify.Alerter {
	if cfg.DryRun {
		return notify.NewDryRunAlerter(logger)
	}

	sinks := []notify.Alerter{notify.NewLogAlerter(logger)}
	if cfg.AlertWebhookURL != "" {
		webhook, err := notify.NewWebhookAlerter(logger, cfg.AlertWebhookURL, cfg.AlertTemplate)
		if err != nil {
			logger.Error().Err(err).Msg("webhook alerter disabled")
		} else if webhook != nil {
			sinks = append(sinks, webhook)
		}
	}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlackAlerter(logger, cfg.SlackWebhookURL))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.NewMultiAlerter(sinks...)
}

// Registry exposes the engine's service registry.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Controller exposes the lifecycle controller.
func (e *Engine) Controller() *lifecycle.Controller {
	return e.ctrl
}

// Monitor exposes the health monitor.
func (e *Engine) Monitor() *health.Monitor {
	return e.monitor
}

// Resources exposes the resource manager.
func (e *Engine) Resources() *resource.Manager {
	return e.resources
}

// Tracker exposes the loop-liveness tracker for the ops endpoints.
func (e *Engine) Tracker() *healthcheck.Tracker {
	return e.tracker
}

// Metrics exposes the Prometheus collector.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Run starts every enabled service in dependency order, then keeps the
// health and resource loops running until the context is canceled. On
// shutdown all services are stopped in reverse order with a bounded wait.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ctrl.StartAll(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	e.logger.Info().Int("services", len(e.reg.Names())).Msg("services started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = e.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = e.resources.Run(ctx)
	}()
	wg.Wait()

	e.logger.Info().Msg("shutting down, stopping services")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()
	if err := e.ctrl.StopAll(stopCtx); err != nil {
		return fmt.Errorf("stop services: %w", err)
	}
	return nil
}
