package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/history"
	"github.com/mkuzmin/stackwarden/internal/launcher"
	"github.com/mkuzmin/stackwarden/internal/metrics"
	"github.com/mkuzmin/stackwarden/internal/notify"
	"github.com/mkuzmin/stackwarden/internal/poll"
	"github.com/mkuzmin/stackwarden/internal/registry"
	"github.com/mkuzmin/stackwarden/internal/state"
)

// Restarter performs a full stop-then-start cycle for a service. Implemented
// by the lifecycle controller.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// CycleRecorder receives loop cycle telemetry after every completed cycle.
// Satisfied by healthcheck.Tracker.
type CycleRecorder interface {
	RecordCycle(loop string, interval, duration time.Duration, servicesChecked int)
}

const (
	defaultHistorySize = 100
	defaultMaxAttempts = 3
	defaultCooldown    = 60 * time.Second
	portDialTimeout    = 500 * time.Millisecond
)

// Monitor probes every RUNNING service each cycle and reacts to failures.
type Monitor struct {
	logger    zerolog.Logger
	reg       *registry.Registry
	interval  time.Duration
	launchers map[string]launcher.Launcher
	prober    Prober
	alerter   notify.Alerter
	restarter Restarter
	tracker   *restartTracker
	store     state.Store
	metrics   *metrics.Metrics
	cycles    CycleRecorder
	portOpen  func(host string, port int) bool
	now       func() time.Time

	historySize int
	mu          sync.Mutex
	histories   map[string]*history.Ring[Check]
	seeded      bool
}

// Option customizes monitor behavior.
type Option func(*Monitor)

// WithLaunchers supplies per-service launchers for process liveness checks.
func WithLaunchers(launchers map[string]launcher.Launcher) Option {
	return func(m *Monitor) {
		m.launchers = launchers
	}
}

// WithProber enables application-level endpoint probing.
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithAlerter sets the sink for unhealthy-service alerts.
func WithAlerter(a notify.Alerter) Option {
	return func(m *Monitor) {
		m.alerter = a
	}
}

// WithRestarter enables auto-restart of unhealthy services, bounded to
// maxAttempts per cooldown window per service.
func WithRestarter(r Restarter, maxAttempts int, cooldown time.Duration) Option {
	return func(m *Monitor) {
		m.restarter = r
		if maxAttempts > 0 {
			m.tracker.maxAttempts = maxAttempts
		}
		if cooldown > 0 {
			m.tracker.cooldown = cooldown
		}
	}
}

// WithHistorySize bounds the per-service check history.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithPortProbe overrides how endpoint reachability is tested.
func WithPortProbe(probe func(host string, port int) bool) Option {
	return func(m *Monitor) {
		m.portOpen = probe
	}
}

// WithStateStore persists restart counters and service snapshots each cycle.
func WithStateStore(store state.Store) Option {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = met
	}
}

// WithCycleRecorder reports completed cycles, typically to the daemon's own
// liveness tracker.
func WithCycleRecorder(rec CycleRecorder) Option {
	return func(m *Monitor) {
		m.cycles = rec
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
		m.tracker.now = now
	}
}

// New constructs a Monitor polling at the given interval.
func New(logger zerolog.Logger, reg *registry.Registry, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		logger:      logger,
		reg:         reg,
		interval:    interval,
		alerter:     notify.NewNoop(logger, "no alerter configured"),
		tracker:     newRestartTracker(defaultMaxAttempts, defaultCooldown),
		now:         time.Now,
		historySize: defaultHistorySize,
		histories:   make(map[string]*history.Ring[Check]),
		portOpen: func(host string, port int) bool {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), portDialTimeout)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes check cycles until the context is canceled. The first cycle
// runs immediately.
func (m *Monitor) Run(ctx context.Context) error {
	return poll.New(m.logger, "health", m.interval, m.RunOnce).Run(ctx)
}

// RunOnce executes a single monitoring cycle over all running services.
func (m *Monitor) RunOnce(ctx context.Context) error {
	started := m.now()
	m.seedFromStore(ctx)

	var checked int
	for _, svc := range m.reg.ListRunning() {
		check := m.checkService(ctx, svc)
		m.record(check)
		checked++

		if check.Healthy {
			m.metrics.SetServiceUp(svc.Name, true)
			continue
		}
		m.handleUnhealthy(ctx, svc.Name, check)
	}

	if err := m.persist(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("state persistence failed")
	}

	elapsed := m.now().Sub(started)
	m.metrics.ObserveCycleDuration("health", elapsed)
	m.metrics.SetLastSuccessfulCycle("health", m.now())
	if m.cycles != nil {
		m.cycles.RecordCycle("health", m.interval, elapsed, checked)
	}
	return nil
}

// History returns the recorded checks for a service, oldest first.
func (m *Monitor) History(name string) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.histories[name]
	if !ok {
		return nil
	}
	return ring.Items()
}

// LastCheck returns the most recent check for a service.
func (m *Monitor) LastCheck(name string) (Check, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.histories[name]
	if !ok {
		return Check{}, false
	}
	return ring.Last()
}

// Forget drops the history and restart counters for a service, typically
// after it is unregistered.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, name)
	m.tracker.forget(name)
}

func (m *Monitor) checkService(ctx context.Context, svc registry.Service) (check Check) {
	started := m.now()
	check = Check{Service: svc.Name, CheckedAt: started}
	defer func() {
		check.Latency = m.now().Sub(started)
	}()

	if l, ok := m.launchers[svc.Name]; ok {
		// A RUNNING service with no recorded pid is as dead as one whose
		// process exited.
		if svc.PID <= 0 || !l.Alive(svc.PID) {
			check.Reason = reasonProcessNotRunning
			return check
		}
	}

	if svc.Port > 0 {
		if !m.portOpen(svc.Host, svc.Port) {
			check.Reason = reasonPortNotOpen
			return check
		}
		if m.prober != nil {
			reported, err := m.prober.Probe(ctx, svc.Host, svc.Port)
			switch {
			case errors.Is(err, ErrNoHealthEndpoint):
				// The service exposes no health path; liveness and port
				// reachability above are the whole check.
			case err != nil:
				check.Reason = err.Error()
				return check
			default:
				check.Metrics = reported
			}
		}
	}

	check.Healthy = true
	return check
}

func (m *Monitor) record(check Check) {
	m.mu.Lock()
	ring, ok := m.histories[check.Service]
	if !ok {
		ring = history.NewRing[Check](m.historySize)
		m.histories[check.Service] = ring
	}
	ring.Append(check)
	m.mu.Unlock()

	m.metrics.IncHealthCheck(check.Service, check.Healthy)

	merged := map[string]any{
		"healthy":           check.Healthy,
		"last_health_check": check.CheckedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range check.Metrics {
		merged[k] = v
	}
	if err := m.reg.MergeMetrics(check.Service, merged); err != nil {
		m.logger.Debug().Err(err).Str("service", check.Service).Msg("metrics merge skipped")
	}
}

func (m *Monitor) handleUnhealthy(ctx context.Context, name string, check Check) {
	m.logger.Warn().
		Str("service", name).
		Str("reason", check.Reason).
		Msg("service unhealthy")
	m.metrics.SetServiceUp(name, false)

	if check.Reason == reasonProcessNotRunning {
		_ = m.reg.UpdateStatus(name, registry.StatusError, reasonProcessNotRunning)
	}

	m.alert(ctx, name, check.Reason, check.CheckedAt)

	if m.restarter == nil {
		return
	}
	if !m.tracker.allow(name) {
		m.logger.Debug().Str("service", name).Msg("restart budget exhausted, skipping")
		return
	}

	m.logger.Info().Str("service", name).Msg("auto-restarting unhealthy service")
	if err := m.restarter.Restart(ctx, name); err != nil {
		m.metrics.IncRestartAttempt(name, false)
		m.logger.Error().Err(err).Str("service", name).Msg("auto-restart failed")
		m.alert(ctx, name, fmt.Sprintf("restart failed: %v", err), m.now())
		return
	}
	m.metrics.IncRestartAttempt(name, true)
	m.tracker.succeeded(name)
	m.logger.Info().Str("service", name).Msg("auto-restart succeeded")
}

func (m *Monitor) alert(ctx context.Context, name, message string, at time.Time) {
	err := m.alerter.Alert(ctx, notify.Alert{Service: name, Message: message, Timestamp: at})
	if err != nil {
		m.logger.Warn().Err(err).Str("service", name).Msg("alert delivery failed")
	}
}

// seedFromStore restores persisted restart counters on the first cycle so
// the restart bound survives daemon restarts.
func (m *Monitor) seedFromStore(ctx context.Context) {
	if m.seeded || m.store == nil {
		m.seeded = true
		return
	}
	m.seeded = true

	loaded, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("state load failed, starting fresh")
		return
	}
	for name, snap := range loaded.Services {
		m.tracker.seed(name, snap.RestartAttempts, snap.LastRestart)
	}
}

func (m *Monitor) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	snapshot := state.State{Services: make(map[string]state.ServiceSnapshot)}
	now := m.now().UTC()
	for _, svc := range m.reg.All() {
		attempts, lastAttempt := m.tracker.state(svc.Name)
		snapshot.Services[svc.Name] = state.ServiceSnapshot{
			Status:          svc.Status,
			PID:             svc.PID,
			ErrorMessage:    svc.ErrorMessage,
			RestartAttempts: attempts,
			LastRestart:     lastAttempt,
			UpdatedAt:       now,
		}
	}
	return m.store.Save(ctx, snapshot)
}
