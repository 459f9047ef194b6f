package resource

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Sampler reads resource usage from the host. Implementations must be safe
// for use from a single polling goroutine.
type Sampler interface {
	System() (SystemUsage, error)
	Service(pid int) (ServiceUsage, error)
}

// ProcfsSampler reads usage from /proc and the root filesystem. CPU
// percentages are derived from deltas between consecutive samples, so the
// first sample for the system or for a pid reports zero CPU.
type ProcfsSampler struct {
	fs       procfs.FS
	diskPath string
	now      func() time.Time

	mu        sync.Mutex
	prevTotal float64
	prevBusy  float64
	prevProc  map[int]procSample
}

type procSample struct {
	cpuSeconds float64
	at         time.Time
}

// NewProcfsSampler constructs a sampler against the default /proc mount.
// diskPath is the filesystem whose usage feeds the system disk metric; an
// empty value selects the root filesystem.
func NewProcfsSampler(diskPath string) (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &ProcfsSampler{
		fs:       fs,
		diskPath: diskPath,
		now:      time.Now,
		prevProc: make(map[int]procSample),
	}, nil
}

// System samples host-wide CPU, memory, and disk usage.
func (s *ProcfsSampler) System() (SystemUsage, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return SystemUsage{}, fmt.Errorf("read cpu stat: %w", err)
	}

	cpu := stat.CPUTotal
	total := cpu.User + cpu.Nice + cpu.System + cpu.Idle + cpu.Iowait +
		cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	busy := total - cpu.Idle - cpu.Iowait

	s.mu.Lock()
	var cpuPercent float64
	if s.prevTotal > 0 && total > s.prevTotal {
		cpuPercent = (busy - s.prevBusy) / (total - s.prevTotal) * 100
	}
	s.prevTotal = total
	s.prevBusy = busy
	s.mu.Unlock()

	usage := SystemUsage{
		CPUPercent: clampPercent(cpuPercent),
		SampledAt:  s.now(),
	}

	meminfo, err := s.fs.Meminfo()
	if err != nil {
		return SystemUsage{}, fmt.Errorf("read meminfo: %w", err)
	}
	if meminfo.MemTotal != nil && meminfo.MemAvailable != nil && *meminfo.MemTotal > 0 {
		totalKB := *meminfo.MemTotal
		usedKB := totalKB - *meminfo.MemAvailable
		usage.MemoryBytes = usedKB * 1024
		usage.MemoryPercent = clampPercent(float64(usedKB) / float64(totalKB) * 100)
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs(s.diskPath, &fsStat); err != nil {
		return SystemUsage{}, fmt.Errorf("statfs %s: %w", s.diskPath, err)
	}
	used := fsStat.Blocks - fsStat.Bfree
	if avail := used + fsStat.Bavail; avail > 0 {
		usage.DiskPercent = clampPercent(float64(used) / float64(avail) * 100)
	}

	return usage, nil
}

// Service samples one process's CPU, memory, thread, and connection usage.
func (s *ProcfsSampler) Service(pid int) (ServiceUsage, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return ServiceUsage{}, fmt.Errorf("open proc %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return ServiceUsage{}, fmt.Errorf("read proc %d stat: %w", pid, err)
	}

	now := s.now()
	cpuSeconds := stat.CPUTime()

	s.mu.Lock()
	var cpuPercent float64
	if prev, ok := s.prevProc[pid]; ok {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			cpuPercent = (cpuSeconds - prev.cpuSeconds) / elapsed * 100
		}
	}
	s.prevProc[pid] = procSample{cpuSeconds: cpuSeconds, at: now}
	s.mu.Unlock()

	usage := ServiceUsage{
		CPUPercent:  clampPercent(cpuPercent),
		MemoryBytes: uint64(stat.ResidentMemory()),
		Threads:     stat.NumThreads,
		SampledAt:   now,
	}

	meminfo, err := s.fs.Meminfo()
	if err == nil && meminfo.MemTotal != nil && *meminfo.MemTotal > 0 {
		totalBytes := *meminfo.MemTotal * 1024
		usage.MemoryPercent = clampPercent(float64(usage.MemoryBytes) / float64(totalBytes) * 100)
	}

	// Sockets show up as fd targets of the form "socket:[inode]".
	targets, err := proc.FileDescriptorTargets()
	if err == nil {
		for _, target := range targets {
			if strings.HasPrefix(target, "socket:") {
				usage.Connections++
			}
		}
	}

	return usage, nil
}

// Forget drops delta state for a pid that no longer exists.
func (s *ProcfsSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.prevProc, pid)
	s.mu.Unlock()
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
