// Package launcher is the process-launch boundary for the lifecycle
// controller. A Launcher starts a long-running process for a service and
// exposes liveness, graceful termination, and force-kill. Two implementations
// exist: ExecLauncher for host processes and DockerLauncher for containers.
// The lifecycle controller resolves a service name to its launcher and spec
// once at assembly time, never by name at call time.
package launcher

import "context"

// Spec carries everything a launcher needs to start one service.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
	Image   string
	Host    string
	Port    int
	Workers int
}

// Launcher starts and terminates service processes. PIDs returned by Start
// are host process ids usable for liveness checks and resource sampling.
type Launcher interface {
	// Start launches the process and returns its pid.
	Start(ctx context.Context, spec Spec) (int, error)
	// Terminate requests graceful shutdown of the process.
	Terminate(ctx context.Context, pid int) error
	// Kill forcibly terminates the process.
	Kill(ctx context.Context, pid int) error
	// Alive reports whether the process is still running.
	Alive(pid int) bool
}
