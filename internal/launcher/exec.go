package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// ExecLauncher starts services as host processes via os/exec. Each child gets
// its own process group so Terminate and Kill reach the whole tree.
type ExecLauncher struct {
	logger zerolog.Logger
	mu     sync.Mutex
	procs  map[int]*managedProc
}

type managedProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecLauncher returns a launcher for host processes.
func NewExecLauncher(logger zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{
		logger: logger,
		procs:  make(map[int]*managedProc),
	}
}

// Start implements Launcher. The service endpoint and worker count are passed
// to the child through conventional environment variables.
func (l *ExecLauncher) Start(ctx context.Context, spec Spec) (int, error) {
	if spec.Command == "" {
		return 0, fmt.Errorf("service %q has no command configured", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Host != "" {
		cmd.Env = append(cmd.Env, "SERVICE_HOST="+spec.Host)
	}
	if spec.Port > 0 {
		cmd.Env = append(cmd.Env, "SERVICE_PORT="+strconv.Itoa(spec.Port))
	}
	if spec.Workers > 0 {
		cmd.Env = append(cmd.Env, "SERVICE_WORKERS="+strconv.Itoa(spec.Workers))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid

	proc := &managedProc{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[pid] = proc
	l.mu.Unlock()

	// Reap the child so it never lingers as a zombie. Wait also releases the
	// pid, so afterwards the table entry is stale and Alive's kill(pid, 0)
	// fallback gives the right answer; drop it to keep the table bounded
	// across restarts.
	go func() {
		err := cmd.Wait()
		close(proc.done)
		l.mu.Lock()
		delete(l.procs, pid)
		l.mu.Unlock()
		l.logger.Debug().
			Str("service", spec.Name).
			Int("pid", pid).
			AnErr("wait_err", err).
			Msg("process exited")
	}()

	l.logger.Info().
		Str("service", spec.Name).
		Str("command", spec.Command).
		Int("pid", pid).
		Msg("process started")

	return pid, nil
}

// Terminate implements Launcher by signalling the process group with SIGTERM.
func (l *ExecLauncher) Terminate(ctx context.Context, pid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.signal(pid, syscall.SIGTERM)
}

// Kill implements Launcher by signalling the process group with SIGKILL.
func (l *ExecLauncher) Kill(ctx context.Context, pid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.signal(pid, syscall.SIGKILL)
}

// Alive implements Launcher.
func (l *ExecLauncher) Alive(pid int) bool {
	l.mu.Lock()
	proc, tracked := l.procs[pid]
	l.mu.Unlock()

	if tracked {
		select {
		case <-proc.done:
			return false
		default:
			return true
		}
	}

	// Not one of ours (e.g. adopted after a daemon restart): signal 0 probes
	// existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

func (l *ExecLauncher) signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	// Negative pid targets the process group created at Start.
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
	}
	return nil
}
