package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/history"
	"github.com/mkuzmin/stackwarden/internal/metrics"
	"github.com/mkuzmin/stackwarden/internal/poll"
	"github.com/mkuzmin/stackwarden/internal/registry"
)

const defaultHistorySize = 100

// CycleRecorder receives loop cycle telemetry after every completed cycle.
// Satisfied by healthcheck.Tracker.
type CycleRecorder interface {
	RecordCycle(loop string, interval, duration time.Duration, servicesChecked int)
}

// Manager owns resource histories and limit checks. One background loop
// samples the system and every running service each tick.
type Manager struct {
	logger      zerolog.Logger
	reg         *registry.Registry
	sampler     Sampler
	interval    time.Duration
	metrics     *metrics.Metrics
	cycles      CycleRecorder
	now         func() time.Time
	historySize int

	mu        sync.Mutex
	limits    map[string]Limits
	system    *history.Ring[SystemUsage]
	histories map[string]*history.Ring[ServiceUsage]
}

// Option customizes manager behavior.
type Option func(*Manager)

// WithHistorySize bounds the per-service and system histories.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// WithCycleRecorder reports completed cycles, typically to the daemon's own
// liveness tracker.
func WithCycleRecorder(rec CycleRecorder) Option {
	return func(m *Manager) {
		m.cycles = rec
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New constructs a Manager sampling at the given interval.
func New(logger zerolog.Logger, reg *registry.Registry, sampler Sampler, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger,
		reg:         reg,
		sampler:     sampler,
		interval:    interval,
		now:         time.Now,
		historySize: defaultHistorySize,
		limits:      make(map[string]Limits),
		histories:   make(map[string]*history.Ring[ServiceUsage]),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.system = history.NewRing[SystemUsage](m.historySize)
	return m
}

// SetLimits configures usage ceilings for a service. Zero limits remove the
// configuration.
func (m *Manager) SetLimits(name string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limits.IsZero() {
		delete(m.limits, name)
		return
	}
	m.limits[name] = limits
}

// ServiceLimits returns the configured limits for a service, if any.
func (m *Manager) ServiceLimits(name string) (Limits, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limits, ok := m.limits[name]
	return limits, ok
}

// Run executes sampling cycles until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	return poll.New(m.logger, "resource", m.interval, m.RunOnce).Run(ctx)
}

// RunOnce executes a single sampling cycle: one system sample plus one sample
// per running service with a known pid. Per-service sampling errors are
// logged and skipped.
func (m *Manager) RunOnce(ctx context.Context) error {
	started := m.now()

	system, err := m.sampler.System()
	if err != nil {
		return fmt.Errorf("sample system: %w", err)
	}
	m.mu.Lock()
	m.system.Append(system)
	m.mu.Unlock()

	var sampled int
	for _, svc := range m.reg.ListRunning() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if svc.PID <= 0 {
			continue
		}
		sampled++

		usage, err := m.sampler.Service(svc.PID)
		if err != nil {
			m.logger.Debug().Err(err).Str("service", svc.Name).Int("pid", svc.PID).Msg("service sample failed")
			continue
		}
		usage.Service = svc.Name
		m.record(usage)

		if check := m.checkLatest(svc.Name, usage); !check.Satisfied {
			m.logger.Warn().
				Str("service", svc.Name).
				Str("dimension", check.Dimension).
				Msg(check.Message)
			m.metrics.IncLimitViolation(svc.Name, check.Dimension)
		}
	}

	elapsed := m.now().Sub(started)
	m.metrics.ObserveCycleDuration("resource", elapsed)
	m.metrics.SetLastSuccessfulCycle("resource", m.now())
	if m.cycles != nil {
		m.cycles.RecordCycle("resource", m.interval, elapsed, sampled)
	}
	return nil
}

func (m *Manager) record(usage ServiceUsage) {
	m.mu.Lock()
	ring, ok := m.histories[usage.Service]
	if !ok {
		ring = history.NewRing[ServiceUsage](m.historySize)
		m.histories[usage.Service] = ring
	}
	ring.Append(usage)
	m.mu.Unlock()

	m.metrics.SetServiceResources(usage.Service, usage.CPUPercent, usage.MemoryBytes)
	merged := map[string]any{
		"cpu_percent":     usage.CPUPercent,
		"memory_percent":  usage.MemoryPercent,
		"memory_bytes":    usage.MemoryBytes,
		"num_threads":     usage.Threads,
		"num_connections": usage.Connections,
	}
	if err := m.reg.MergeMetrics(usage.Service, merged); err != nil {
		m.logger.Debug().Err(err).Str("service", usage.Service).Msg("metrics merge skipped")
	}
}

// CheckLimits compares the latest sample for a service against its
// configured limits and reports the first violated dimension.
func (m *Manager) CheckLimits(name string) (LimitCheck, error) {
	if _, err := m.reg.Get(name); err != nil {
		return LimitCheck{}, err
	}

	m.mu.Lock()
	limits, limited := m.limits[name]
	var latest ServiceUsage
	var sampled bool
	if ring, ok := m.histories[name]; ok {
		latest, sampled = ring.Last()
	}
	m.mu.Unlock()

	if !limited || !sampled {
		return LimitCheck{Service: name, Satisfied: true, Message: "within limits"}, nil
	}
	check := compareLimits(name, latest, limits)
	return check, nil
}

// CheckAllLimits runs CheckLimits over every running service that has limits
// configured.
func (m *Manager) CheckAllLimits() []LimitCheck {
	var checks []LimitCheck
	for _, svc := range m.reg.ListRunning() {
		if _, ok := m.ServiceLimits(svc.Name); !ok {
			continue
		}
		check, err := m.CheckLimits(svc.Name)
		if err != nil {
			continue
		}
		checks = append(checks, check)
	}
	return checks
}

func (m *Manager) checkLatest(name string, usage ServiceUsage) LimitCheck {
	m.mu.Lock()
	limits, limited := m.limits[name]
	m.mu.Unlock()
	if !limited {
		return LimitCheck{Service: name, Satisfied: true, Message: "within limits"}
	}
	return compareLimits(name, usage, limits)
}

func compareLimits(name string, usage ServiceUsage, limits Limits) LimitCheck {
	type dimension struct {
		name    string
		message string
		over    bool
	}
	dims := []dimension{
		{
			name:    "cpu_percent",
			message: fmt.Sprintf("cpu_percent %.1f exceeds limit %.1f", usage.CPUPercent, limits.CPUPercent),
			over:    limits.CPUPercent > 0 && usage.CPUPercent > limits.CPUPercent,
		},
		{
			name:    "memory_percent",
			message: fmt.Sprintf("memory_percent %.1f exceeds limit %.1f", usage.MemoryPercent, limits.MemoryPercent),
			over:    limits.MemoryPercent > 0 && usage.MemoryPercent > limits.MemoryPercent,
		},
		{
			name:    "memory_bytes",
			message: fmt.Sprintf("memory_bytes %d exceeds limit %d", usage.MemoryBytes, limits.MemoryBytes),
			over:    limits.MemoryBytes > 0 && usage.MemoryBytes > limits.MemoryBytes,
		},
		{
			name:    "num_threads",
			message: fmt.Sprintf("num_threads %d exceeds limit %d", usage.Threads, limits.Threads),
			over:    limits.Threads > 0 && usage.Threads > limits.Threads,
		},
		{
			name:    "num_connections",
			message: fmt.Sprintf("num_connections %d exceeds limit %d", usage.Connections, limits.Connections),
			over:    limits.Connections > 0 && usage.Connections > limits.Connections,
		},
	}
	for _, dim := range dims {
		if dim.over {
			return LimitCheck{Service: name, Dimension: dim.name, Message: dim.message}
		}
	}
	return LimitCheck{Service: name, Satisfied: true, Message: "within limits"}
}

// SystemHistory returns recorded system samples, oldest first.
func (m *Manager) SystemHistory() []SystemUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system.Items()
}

// ServiceHistory returns recorded samples for a service, oldest first.
func (m *Manager) ServiceHistory(name string) []ServiceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.histories[name]
	if !ok {
		return nil
	}
	return ring.Items()
}

// ServiceStats computes min/max/average per dimension over the service's
// history, optionally restricted to samples within the trailing window.
func (m *Manager) ServiceStats(name string, window time.Duration) (map[string]Stats, error) {
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	samples := m.ServiceHistory(name)
	cutoff := m.cutoff(window)

	collect := map[string][]float64{}
	for _, sample := range samples {
		if !cutoff.IsZero() && sample.SampledAt.Before(cutoff) {
			continue
		}
		collect["cpu_percent"] = append(collect["cpu_percent"], sample.CPUPercent)
		collect["memory_percent"] = append(collect["memory_percent"], sample.MemoryPercent)
		collect["memory_bytes"] = append(collect["memory_bytes"], float64(sample.MemoryBytes))
		collect["num_threads"] = append(collect["num_threads"], float64(sample.Threads))
		collect["num_connections"] = append(collect["num_connections"], float64(sample.Connections))
	}
	return summarize(collect), nil
}

// SystemStats computes min/max/average per dimension over the system
// history, optionally restricted to samples within the trailing window.
func (m *Manager) SystemStats(window time.Duration) map[string]Stats {
	samples := m.SystemHistory()
	cutoff := m.cutoff(window)

	collect := map[string][]float64{}
	for _, sample := range samples {
		if !cutoff.IsZero() && sample.SampledAt.Before(cutoff) {
			continue
		}
		collect["cpu_percent"] = append(collect["cpu_percent"], sample.CPUPercent)
		collect["memory_percent"] = append(collect["memory_percent"], sample.MemoryPercent)
		collect["disk_percent"] = append(collect["disk_percent"], sample.DiskPercent)
	}
	return summarize(collect)
}

// Forget drops the history and limits for a service, typically after it is
// unregistered.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, name)
	delete(m.limits, name)
}

func (m *Manager) cutoff(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return m.now().Add(-window)
}

func summarize(collect map[string][]float64) map[string]Stats {
	out := make(map[string]Stats, len(collect))
	for dim, values := range collect {
		if len(values) == 0 {
			continue
		}
		stats := Stats{Min: values[0], Max: values[0], Samples: len(values)}
		var sum float64
		for _, v := range values {
			if v < stats.Min {
				stats.Min = v
			}
			if v > stats.Max {
				stats.Max = v
			}
			sum += v
		}
		stats.Average = sum / float64(len(values))
		out[dim] = stats
	}
	return out
}
