package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for stackwarden. All methods are safe
// on a nil receiver so callers can run without metrics wired.
type Metrics struct {
	registry             *prometheus.Registry
	serviceUp            *prometheus.GaugeVec
	healthChecksTotal    *prometheus.CounterVec
	restartAttemptsTotal *prometheus.CounterVec
	limitViolationsTotal *prometheus.CounterVec
	serviceCPUPercent    *prometheus.GaugeVec
	serviceMemoryBytes   *prometheus.GaugeVec
	cycleDurationSeconds *prometheus.HistogramVec
	lastCycleGauge       *prometheus.GaugeVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackwarden_service_up",
			Help: "1 when the service status is RUNNING, 0 otherwise.",
		}, []string{"service"}),
		healthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwarden_health_checks_total",
			Help: "Total health checks by service and result.",
		}, []string{"service", "result"}),
		restartAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwarden_restart_attempts_total",
			Help: "Total auto-restart attempts by service and result.",
		}, []string{"service", "result"}),
		limitViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwarden_resource_limit_violations_total",
			Help: "Total resource limit violations by service and dimension.",
		}, []string{"service", "dimension"}),
		serviceCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackwarden_service_cpu_percent",
			Help: "Last sampled CPU usage per service.",
		}, []string{"service"}),
		serviceMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackwarden_service_memory_bytes",
			Help: "Last sampled resident memory per service.",
		}, []string{"service"}),
		cycleDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackwarden_cycle_duration_seconds",
			Help:    "Duration of monitor loop cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		lastCycleGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackwarden_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last successful cycle per loop.",
		}, []string{"loop"}),
	}

	registry.MustRegister(
		m.serviceUp,
		m.healthChecksTotal,
		m.restartAttemptsTotal,
		m.limitViolationsTotal,
		m.serviceCPUPercent,
		m.serviceMemoryBytes,
		m.cycleDurationSeconds,
		m.lastCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetServiceUp records whether a service is RUNNING.
func (m *Metrics) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.serviceUp.WithLabelValues(service).Set(value)
}

// IncHealthCheck counts one health check outcome.
func (m *Metrics) IncHealthCheck(service string, healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthChecksTotal.WithLabelValues(service, result).Inc()
}

// IncRestartAttempt counts one auto-restart attempt outcome.
func (m *Metrics) IncRestartAttempt(service string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.restartAttemptsTotal.WithLabelValues(service, result).Inc()
}

// IncLimitViolation counts one resource limit violation.
func (m *Metrics) IncLimitViolation(service, dimension string) {
	if m == nil {
		return
	}
	m.limitViolationsTotal.WithLabelValues(service, dimension).Inc()
}

// SetServiceResources records the last resource sample for a service.
func (m *Metrics) SetServiceResources(service string, cpuPercent float64, memoryBytes uint64) {
	if m == nil {
		return
	}
	m.serviceCPUPercent.WithLabelValues(service).Set(cpuPercent)
	m.serviceMemoryBytes.WithLabelValues(service).Set(float64(memoryBytes))
}

// ObserveCycleDuration records the duration of one loop cycle.
func (m *Metrics) ObserveCycleDuration(loop string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.WithLabelValues(loop).Observe(duration.Seconds())
}

// SetLastSuccessfulCycle records when a loop last completed.
func (m *Metrics) SetLastSuccessfulCycle(loop string, t time.Time) {
	if m == nil {
		return
	}
	m.lastCycleGauge.WithLabelValues(loop).Set(float64(t.Unix()))
}
