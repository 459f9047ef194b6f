// Package healthcheck tracks the daemon's own loop liveness and serves the
// operational health endpoints.
package healthcheck

import (
	"sync"
	"time"
)

// LoopStatus describes the latest cycle of one background loop.
type LoopStatus struct {
	LastCycleTime   *time.Time `json:"last_cycle_time"`
	CycleDurationMS int64      `json:"cycle_duration_ms"`
	ServicesChecked int        `json:"services_checked"`
}

// Snapshot describes the latest cycle details for every background loop.
type Snapshot struct {
	Loops map[string]LoopStatus `json:"loops"`
}

type loopCycle struct {
	last     time.Time
	duration time.Duration
	services int
	interval time.Duration
}

// Tracker records cycle timing per background loop for health endpoints.
type Tracker struct {
	mu    sync.RWMutex
	loops map[string]loopCycle
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{loops: make(map[string]loopCycle)}
}

// RecordCycle updates cycle timing for one loop and marks it ready.
func (t *Tracker) RecordCycle(loop string, interval, duration time.Duration, servicesChecked int) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.loops[loop] = loopCycle{
		last:     now,
		duration: duration,
		services: servicesChecked,
		interval: interval,
	}
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := Snapshot{Loops: make(map[string]LoopStatus, len(t.loops))}
	for name, cycle := range t.loops {
		last := cycle.last
		snapshot.Loops[name] = LoopStatus{
			LastCycleTime:   &last,
			CycleDurationMS: int64(cycle.duration / time.Millisecond),
			ServicesChecked: cycle.services,
		}
	}
	return snapshot
}

// Ready reports whether at least one loop has completed a cycle.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.loops) > 0
}

// Healthy reports whether every recorded loop completed a cycle within 2x
// its own interval.
func (t *Tracker) Healthy(now time.Time) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.loops) == 0 {
		return false
	}
	for _, cycle := range t.loops {
		if cycle.interval <= 0 {
			return false
		}
		if now.Sub(cycle.last) > 2*cycle.interval {
			return false
		}
	}
	return true
}
