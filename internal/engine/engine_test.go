package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/config"
	"github.com/mkuzmin/stackwarden/internal/launcher"
	"github.com/mkuzmin/stackwarden/internal/registry"
	"github.com/mkuzmin/stackwarden/internal/resource"
)

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeLauncher) Start(_ context.Context, _ launcher.Spec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	f.alive[pid] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeLauncher) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	f.alive[pid] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

type fakeSampler struct{}

func (fakeSampler) System() (resource.SystemUsage, error) {
	return resource.SystemUsage{CPUPercent: 10}, nil
}

func (fakeSampler) Service(int) (resource.ServiceUsage, error) {
	return resource.ServiceUsage{CPUPercent: 1, Threads: 2}, nil
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string, int) (map[string]any, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		HealthInterval:   20 * time.Millisecond,
		ResourceInterval: 20 * time.Millisecond,
		StartTimeout:     500 * time.Millisecond,
		StopTimeout:      200 * time.Millisecond,
		MaxRestarts:      2,
		RestartCooldown:  5 * time.Second,
		HistorySize:      10,
		HealthPath:       "/health",
		ProbeTimeout:     time.Second,
	}
}

func testDefs() []config.ServiceDef {
	return []config.ServiceDef{
		{Name: "db", Command: "./db", Port: 9001},
		{Name: "web", Command: "./web", Port: 9002, Dependencies: []string{"db"},
			ResourceLimits: resource.Limits{CPUPercent: 90}},
	}
}

func newTestEngine(t *testing.T, defs []config.ServiceDef) (*Engine, *fakeLauncher) {
	t.Helper()
	fl := newFakeLauncher()
	e, err := New(zerolog.Nop(), testConfig(), defs,
		WithExecLauncher(fl),
		WithSampler(fakeSampler{}),
		WithProber(fakeProber{}),
		WithPortProbe(func(string, int) bool { return true }),
	)
	if err != nil {
		t.Fatalf("assemble engine: %v", err)
	}
	return e, fl
}

func TestNew_RegistersServicesAndLimits(t *testing.T) {
	e, _ := newTestEngine(t, testDefs())

	names := e.Registry().Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 registered services, got %v", names)
	}
	if _, ok := e.Resources().ServiceLimits("web"); !ok {
		t.Fatalf("web resource limits not configured")
	}
	if _, ok := e.Resources().ServiceLimits("db"); ok {
		t.Fatalf("db should carry no limits")
	}
	svc, err := e.Registry().Get("web")
	if err != nil {
		t.Fatalf("get web: %v", err)
	}
	if svc.Config["enabled"] != true {
		t.Fatalf("config map not populated: %v", svc.Config)
	}
}

func TestNew_RejectsCircularDependencies(t *testing.T) {
	defs := []config.ServiceDef{
		{Name: "a", Command: "./a", Dependencies: []string{"b"}},
		{Name: "b", Command: "./b", Dependencies: []string{"a"}},
	}
	fl := newFakeLauncher()
	_, err := New(zerolog.Nop(), testConfig(), defs, WithExecLauncher(fl))
	if err == nil {
		t.Fatalf("expected cycle to fail assembly")
	}
}

func TestNew_RequiresServices(t *testing.T) {
	if _, err := New(zerolog.Nop(), testConfig(), nil); err == nil {
		t.Fatalf("expected error for empty service set")
	}
}

func TestRun_StartsLoopsAndStopsCleanly(t *testing.T) {
	e, fl := newTestEngine(t, testDefs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		running, err := e.Registry().IsRunning("web")
		return err == nil && running
	})

	// Let both loops complete at least one tracked cycle.
	waitFor(t, time.Second, func() bool {
		return e.Tracker().Healthy(time.Now().UTC())
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}

	for _, name := range []string{"db", "web"} {
		svc, err := e.Registry().Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if svc.Status != registry.StatusStopped {
			t.Fatalf("%s: expected STOPPED after shutdown, got %s", name, svc.Status)
		}
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	for pid, alive := range fl.alive {
		if alive {
			t.Fatalf("pid %d still alive after shutdown", pid)
		}
	}
}

func TestRun_RecordsHealthAndResourceHistory(t *testing.T) {
	e, _ := newTestEngine(t, testDefs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		return len(e.Monitor().History("web")) > 0 && len(e.Resources().ServiceHistory("web")) > 0
	})

	cancel()
	<-done

	last, ok := e.Monitor().LastCheck("web")
	if !ok || !last.Healthy {
		t.Fatalf("expected healthy history for web: %+v", last)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
