package resource

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/registry"
)

type fakeSampler struct {
	system     SystemUsage
	systemErr  error
	service    map[int]ServiceUsage
	serviceErr error
}

func (s *fakeSampler) System() (SystemUsage, error) {
	return s.system, s.systemErr
}

func (s *fakeSampler) Service(pid int) (ServiceUsage, error) {
	if s.serviceErr != nil {
		return ServiceUsage{}, s.serviceErr
	}
	usage, ok := s.service[pid]
	if !ok {
		return ServiceUsage{}, errors.New("no such process")
	}
	return usage, nil
}

func registerRunning(t *testing.T, reg *registry.Registry, name string, pid int) {
	t.Helper()
	if err := reg.Register(registry.Registration{Name: name}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if err := reg.UpdateProcessID(name, pid); err != nil {
		t.Fatalf("set pid: %v", err)
	}
	if err := reg.UpdateStatus(name, registry.StatusRunning, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func TestRunOnce_RecordsSystemAndServiceSamples(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	sampler := &fakeSampler{
		system: SystemUsage{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 55},
		service: map[int]ServiceUsage{
			100: {CPUPercent: 5, MemoryBytes: 64 << 20, Threads: 8, Connections: 3},
		},
	}
	m := New(zerolog.Nop(), reg, sampler, time.Second)

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("runOnce failed: %v", err)
	}

	if got := len(m.SystemHistory()); got != 1 {
		t.Fatalf("system history: got %d samples", got)
	}
	samples := m.ServiceHistory("auth")
	if len(samples) != 1 || samples[0].Service != "auth" {
		t.Fatalf("service history: %+v", samples)
	}
	svc, _ := reg.Get("auth")
	if svc.Metrics["num_threads"] != 8 {
		t.Fatalf("registry metrics not merged: %v", svc.Metrics)
	}
}

func TestRunOnce_SkipsFailedServiceSamples(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	sampler := &fakeSampler{serviceErr: errors.New("proc vanished")}
	m := New(zerolog.Nop(), reg, sampler, time.Second)

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("per-service errors must not fail the cycle: %v", err)
	}
	if got := len(m.ServiceHistory("auth")); got != 0 {
		t.Fatalf("failed sample should not be recorded, got %d", got)
	}
}

func TestRunOnce_SystemSampleErrorFailsCycle(t *testing.T) {
	reg := registry.New()
	sampler := &fakeSampler{systemErr: errors.New("procfs unavailable")}
	m := New(zerolog.Nop(), reg, sampler, time.Second)

	if err := m.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected system sampling error")
	}
}

func TestCheckLimits_ReportsFirstViolatedDimension(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "x", 100)
	sampler := &fakeSampler{
		service: map[int]ServiceUsage{100: {CPUPercent: 75}},
	}
	m := New(zerolog.Nop(), reg, sampler, time.Second)
	m.SetLimits("x", Limits{CPUPercent: 50})

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("runOnce failed: %v", err)
	}

	check, err := m.CheckLimits("x")
	if err != nil {
		t.Fatalf("checkLimits failed: %v", err)
	}
	if check.Satisfied {
		t.Fatalf("expected violation, got %+v", check)
	}
	if check.Dimension != "cpu_percent" {
		t.Fatalf("dimension: got %q", check.Dimension)
	}
	if !strings.Contains(check.Message, "75") || !strings.Contains(check.Message, "50") {
		t.Fatalf("message must carry actual and limit: %q", check.Message)
	}
}

func TestCheckLimits_WithinLimitsWhenUnconfigured(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	sampler := &fakeSampler{
		service: map[int]ServiceUsage{100: {CPUPercent: 99, Threads: 5000}},
	}
	m := New(zerolog.Nop(), reg, sampler, time.Second)

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("runOnce failed: %v", err)
	}
	check, err := m.CheckLimits("auth")
	if err != nil {
		t.Fatalf("checkLimits failed: %v", err)
	}
	if !check.Satisfied || check.Message != "within limits" {
		t.Fatalf("unlimited service must always satisfy: %+v", check)
	}
}

func TestCheckLimits_UnknownService(t *testing.T) {
	m := New(zerolog.Nop(), registry.New(), &fakeSampler{}, time.Second)

	_, err := m.CheckLimits("ghost")
	var notReg *registry.NotRegisteredError
	if !errors.As(err, &notReg) {
		t.Fatalf("expected NotRegisteredError, got %v", err)
	}
}

func TestCheckAllLimits_OnlyCoversLimitedRunningServices(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "limited", 100)
	registerRunning(t, reg, "free", 200)
	sampler := &fakeSampler{
		service: map[int]ServiceUsage{
			100: {Threads: 20},
			200: {Threads: 20},
		},
	}
	m := New(zerolog.Nop(), reg, sampler, time.Second)
	m.SetLimits("limited", Limits{Threads: 10})

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("runOnce failed: %v", err)
	}
	checks := m.CheckAllLimits()
	if len(checks) != 1 || checks[0].Service != "limited" {
		t.Fatalf("expected a single check for the limited service: %+v", checks)
	}
	if checks[0].Satisfied || checks[0].Dimension != "num_threads" {
		t.Fatalf("expected thread violation: %+v", checks[0])
	}
}

func TestHistory_BoundedCapacity(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	sampler := &fakeSampler{
		service: map[int]ServiceUsage{100: {CPUPercent: 1}},
	}
	m := New(zerolog.Nop(), reg, sampler, time.Second, WithHistorySize(3))

	for i := 0; i < 5; i++ {
		if err := m.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
	}
	if got := len(m.ServiceHistory("auth")); got != 3 {
		t.Fatalf("service history should hold 3 samples, got %d", got)
	}
	if got := len(m.SystemHistory()); got != 3 {
		t.Fatalf("system history should hold 3 samples, got %d", got)
	}
}

func TestServiceStats_WindowedAggregation(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(zerolog.Nop(), reg, &fakeSampler{}, time.Second,
		WithClock(func() time.Time { return base }),
	)

	// Backfill three samples, the oldest outside the one-minute window.
	for _, sample := range []ServiceUsage{
		{Service: "auth", CPUPercent: 90, SampledAt: base.Add(-5 * time.Minute)},
		{Service: "auth", CPUPercent: 10, SampledAt: base.Add(-30 * time.Second)},
		{Service: "auth", CPUPercent: 20, SampledAt: base.Add(-10 * time.Second)},
	} {
		m.record(sample)
	}

	stats, err := m.ServiceStats("auth", time.Minute)
	if err != nil {
		t.Fatalf("serviceStats failed: %v", err)
	}
	cpu := stats["cpu_percent"]
	if cpu.Samples != 2 {
		t.Fatalf("window should keep 2 samples, got %d", cpu.Samples)
	}
	if cpu.Min != 10 || cpu.Max != 20 || cpu.Average != 15 {
		t.Fatalf("unexpected aggregates: %+v", cpu)
	}

	all, err := m.ServiceStats("auth", 0)
	if err != nil {
		t.Fatalf("serviceStats failed: %v", err)
	}
	if all["cpu_percent"].Samples != 3 {
		t.Fatalf("zero window should keep all samples, got %d", all["cpu_percent"].Samples)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	reg := registry.New()
	m := New(zerolog.Nop(), reg, &fakeSampler{}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run should end cleanly on cancellation: %v", err)
	}
	if len(m.SystemHistory()) == 0 {
		t.Fatalf("expected at least one recorded system sample")
	}
}

func TestSystemStats_Aggregation(t *testing.T) {
	reg := registry.New()
	sampler := &fakeSampler{system: SystemUsage{CPUPercent: 30, MemoryPercent: 60, DiskPercent: 10}}
	m := New(zerolog.Nop(), reg, sampler, time.Second)

	for i := 0; i < 2; i++ {
		if err := m.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
	}
	stats := m.SystemStats(0)
	if stats["cpu_percent"].Average != 30 || stats["disk_percent"].Max != 10 {
		t.Fatalf("unexpected system stats: %+v", stats)
	}
}

type fakeCycleRecorder struct {
	loop   string
	cycles []int
}

func (r *fakeCycleRecorder) RecordCycle(loop string, _, _ time.Duration, servicesChecked int) {
	r.loop = loop
	r.cycles = append(r.cycles, servicesChecked)
}

func TestRunOnce_ReportsCycleToRecorder(t *testing.T) {
	reg := registry.New()
	registerRunning(t, reg, "auth", 100)
	sampler := &fakeSampler{
		service: map[int]ServiceUsage{100: {CPUPercent: 5}},
	}
	rec := &fakeCycleRecorder{}
	m := New(zerolog.Nop(), reg, sampler, time.Second, WithCycleRecorder(rec))

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("runOnce failed: %v", err)
	}
	if rec.loop != "resource" || len(rec.cycles) != 1 || rec.cycles[0] != 1 {
		t.Fatalf("unexpected cycle report: loop=%q cycles=%v", rec.loop, rec.cycles)
	}
}
