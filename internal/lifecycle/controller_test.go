package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/launcher"
	"github.com/mkuzmin/stackwarden/internal/registry"
	"github.com/mkuzmin/stackwarden/internal/resolver"
)

// fakeLauncher simulates process launches without spawning anything.
type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	alive      map[int]bool
	startErr   error
	termErr    error
	killErr    error
	exitOnTerm bool
	starts     int
	terminates int
	kills      int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:    1000,
		alive:      make(map[int]bool),
		exitOnTerm: true,
	}
}

func (f *fakeLauncher) Start(_ context.Context, _ launcher.Spec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	if f.termErr != nil {
		return f.termErr
	}
	if f.exitOnTerm {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeLauncher) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	if f.killErr != nil {
		return f.killErr
	}
	f.alive[pid] = false
	return nil
}

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeLauncher) markDead(pid int) {
	f.mu.Lock()
	f.alive[pid] = false
	f.mu.Unlock()
}

func (f *fakeLauncher) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fixture struct {
	reg      *registry.Registry
	res      *resolver.Resolver
	launcher *fakeLauncher
	ctrl     *Controller
	portUp   map[string]bool
	portMu   sync.Mutex
}

func newFixture(t *testing.T, services map[string][]string, order []string) *fixture {
	t.Helper()

	f := &fixture{
		reg:      registry.New(),
		launcher: newFakeLauncher(),
		portUp:   make(map[string]bool),
	}
	launches := make(map[string]Launch, len(order))
	for i, name := range order {
		if err := f.reg.Register(registry.Registration{
			Name:         name,
			Dependencies: services[name],
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		launches[name] = Launch{
			Spec: launcher.Spec{
				Name: name,
				Host: "127.0.0.1",
				Port: 9000 + i,
			},
			Launcher: f.launcher,
			Enabled:  true,
		}
		f.portUp[name] = true
	}
	f.res = resolver.New(f.reg)

	portsByPort := make(map[int]string, len(order))
	for i, name := range order {
		portsByPort[9000+i] = name
	}
	f.ctrl = New(zerolog.Nop(), f.reg, f.res, launches,
		WithTimeouts(300*time.Millisecond, 200*time.Millisecond),
		WithPollIntervals(10*time.Millisecond, 10*time.Millisecond),
		WithPortProbe(func(_ string, port int) bool {
			f.portMu.Lock()
			defer f.portMu.Unlock()
			return f.portUp[portsByPort[port]]
		}),
	)
	return f
}

func (f *fixture) setPort(name string, up bool) {
	f.portMu.Lock()
	f.portUp[name] = up
	f.portMu.Unlock()
}

func (f *fixture) status(t *testing.T, name string) registry.Status {
	t.Helper()
	svc, err := f.reg.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return svc.Status
}

func TestStart_Success(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})

	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := f.status(t, "auth"); got != registry.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got)
	}
	svc, _ := f.reg.Get("auth")
	if svc.PID == 0 || svc.Host != "127.0.0.1" || svc.Port != 9000 {
		t.Fatalf("pid/endpoint not recorded: %+v", svc)
	}
}

func TestStart_IdempotentWhenRunning(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})

	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if got := f.launcher.startCount(); got != 1 {
		t.Fatalf("expected exactly one launch, got %d", got)
	}
}

func TestStart_UnsatisfiedDependencySpawnsNothing(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"db":   nil,
		"auth": {"db"},
	}, []string{"db", "auth"})

	err := f.ctrl.Start(context.Background(), "auth")
	var unmet *UnsatisfiedDependenciesError
	if !errors.As(err, &unmet) {
		t.Fatalf("expected UnsatisfiedDependenciesError, got %v", err)
	}
	if len(unmet.Missing) != 1 || unmet.Missing[0] != "db" {
		t.Fatalf("expected missing [db], got %v", unmet.Missing)
	}
	if got := f.launcher.startCount(); got != 0 {
		t.Fatalf("no process should spawn, got %d launches", got)
	}
	if got := f.status(t, "auth"); got != registry.StatusRegistered {
		t.Fatalf("status should stay REGISTERED, got %s", got)
	}
}

func TestStart_UnknownService(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})

	err := f.ctrl.Start(context.Background(), "ghost")
	var notReg *registry.NotRegisteredError
	if !errors.As(err, &notReg) {
		t.Fatalf("expected NotRegisteredError, got %v", err)
	}
}

func TestStart_LaunchFailureSetsError(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	f.launcher.startErr = errors.New("binary missing")

	if err := f.ctrl.Start(context.Background(), "auth"); err == nil {
		t.Fatalf("expected launch failure")
	}
	if got := f.status(t, "auth"); got != registry.StatusError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	svc, _ := f.reg.Get("auth")
	if svc.ErrorMessage == "" {
		t.Fatalf("expected descriptive error message")
	}
}

func TestStart_ReadinessTimeoutKillsProcess(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	f.setPort("auth", false)

	if err := f.ctrl.Start(context.Background(), "auth"); err == nil {
		t.Fatalf("expected readiness timeout")
	}
	if got := f.status(t, "auth"); got != registry.StatusError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	if f.launcher.kills == 0 {
		t.Fatalf("timed-out process should be force killed")
	}
}

func TestStart_ProcessDeathDuringStartup(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	f.setPort("auth", false)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Start(context.Background(), "auth") }()

	// Let the launch happen, then kill the process out from under it.
	time.Sleep(30 * time.Millisecond)
	f.launcher.mu.Lock()
	pid := f.launcher.nextPID
	f.launcher.mu.Unlock()
	f.launcher.markDead(pid)

	err := <-done
	if err == nil {
		t.Fatalf("expected failure after process death")
	}
	if got := f.status(t, "auth"); got != registry.StatusError {
		t.Fatalf("expected ERROR, got %s", got)
	}
}

func TestStop_GracefulTermination(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := f.ctrl.Stop(context.Background(), "auth"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := f.status(t, "auth"); got != registry.StatusStopped {
		t.Fatalf("expected STOPPED, got %s", got)
	}
	if f.launcher.terminates != 1 || f.launcher.kills != 0 {
		t.Fatalf("expected graceful stop only: terms=%d kills=%d", f.launcher.terminates, f.launcher.kills)
	}
	svc, _ := f.reg.Get("auth")
	if svc.PID != 0 {
		t.Fatalf("pid should be cleared after stop, got %d", svc.PID)
	}
}

func TestStop_ForceKillAfterTimeout(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	f.launcher.exitOnTerm = false
	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := f.ctrl.Stop(context.Background(), "auth"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := f.status(t, "auth"); got != registry.StatusStopped {
		t.Fatalf("expected STOPPED, got %s", got)
	}
	if f.launcher.kills != 1 {
		t.Fatalf("expected force kill, got %d", f.launcher.kills)
	}
}

func TestStop_NoopWhenNotRunning(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})

	if err := f.ctrl.Stop(context.Background(), "auth"); err != nil {
		t.Fatalf("stop of non-running service should succeed: %v", err)
	}
	if f.launcher.terminates != 0 {
		t.Fatalf("no termination should happen")
	}
}

func TestRestart_MatchesStopThenStart(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	firstPID := mustGet(t, f.reg, "auth").PID

	if err := f.ctrl.Restart(context.Background(), "auth"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	svc := mustGet(t, f.reg, "auth")
	if svc.Status != registry.StatusRunning {
		t.Fatalf("expected RUNNING after restart, got %s", svc.Status)
	}
	if svc.PID == firstPID {
		t.Fatalf("restart should produce a fresh process")
	}
}

func TestRestart_AbortsWhenStopFails(t *testing.T) {
	f := newFixture(t, map[string][]string{"auth": nil}, []string{"auth"})
	f.launcher.exitOnTerm = false
	f.launcher.killErr = errors.New("kill refused")
	if err := f.ctrl.Start(context.Background(), "auth"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	launches := f.launcher.startCount()

	if err := f.ctrl.Restart(context.Background(), "auth"); err == nil {
		t.Fatalf("restart should fail when stop fails")
	}
	if f.launcher.startCount() != launches {
		t.Fatalf("start must not be attempted after failed stop")
	}
}

func TestStartAll_DependencyOrderAndFailFast(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"db":   nil,
		"auth": {"db"},
		"web":  {"auth"},
	}, []string{"db", "auth", "web"})

	if err := f.ctrl.StartAll(context.Background()); err != nil {
		t.Fatalf("startAll failed: %v", err)
	}
	for _, name := range []string{"db", "auth", "web"} {
		if got := f.status(t, name); got != registry.StatusRunning {
			t.Fatalf("%s: expected RUNNING, got %s", name, got)
		}
	}
}

func TestStartAll_FailFastStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"db":   nil,
		"auth": {"db"},
		"web":  {"auth"},
	}, []string{"db", "auth", "web"})
	f.setPort("auth", false)

	if err := f.ctrl.StartAll(context.Background()); err == nil {
		t.Fatalf("expected startAll failure")
	}
	if got := f.status(t, "db"); got != registry.StatusRunning {
		t.Fatalf("db should be running, got %s", got)
	}
	if got := f.status(t, "auth"); got != registry.StatusError {
		t.Fatalf("auth should be ERROR, got %s", got)
	}
	if got := f.status(t, "web"); got != registry.StatusRegistered {
		t.Fatalf("web should never be attempted, got %s", got)
	}
}

func TestStartAll_SkipsDisabledServices(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"db":    nil,
		"debug": nil,
	}, []string{"db", "debug"})
	launch := f.ctrl.launches["debug"]
	launch.Enabled = false
	f.ctrl.launches["debug"] = launch

	if err := f.ctrl.StartAll(context.Background()); err != nil {
		t.Fatalf("startAll failed: %v", err)
	}
	if got := f.status(t, "debug"); got != registry.StatusRegistered {
		t.Fatalf("disabled service should be skipped, got %s", got)
	}
}

func TestStopAll_BestEffortContinuesPastFailures(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"db":   nil,
		"auth": {"db"},
	}, []string{"db", "auth"})
	if err := f.ctrl.StartAll(context.Background()); err != nil {
		t.Fatalf("startAll failed: %v", err)
	}

	// Neither process will die; every stop must still be attempted.
	f.launcher.mu.Lock()
	f.launcher.exitOnTerm = false
	f.launcher.killErr = errors.New("kill refused")
	f.launcher.mu.Unlock()

	err := f.ctrl.StopAll(context.Background())
	if err == nil {
		t.Fatalf("expected stopAll to report failures")
	}
	if got := f.status(t, "auth"); got != registry.StatusError {
		t.Fatalf("auth should be ERROR, got %s", got)
	}
	if got := f.status(t, "db"); got != registry.StatusError {
		// db also cannot be killed in this fixture, but it must have been
		// attempted rather than skipped.
		t.Fatalf("db stop should have been attempted, got %s", got)
	}
	if f.launcher.terminates < 2 {
		t.Fatalf("both services should see termination attempts, got %d", f.launcher.terminates)
	}
}

func mustGet(t *testing.T, reg *registry.Registry, name string) registry.Service {
	t.Helper()
	svc, err := reg.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return svc
}
