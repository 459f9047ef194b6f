package health

import (
	"time"
)

// restartTracker enforces the auto-restart bound: at most maxAttempts restart
// attempts per service within any cooldown-sized window. A counter expires
// once the cooldown has elapsed since the service's last attempt.
type restartTracker struct {
	maxAttempts int
	cooldown    time.Duration
	attempts    map[string]int
	lastAttempt map[string]time.Time
	now         func() time.Time
}

func newRestartTracker(maxAttempts int, cooldown time.Duration) *restartTracker {
	return &restartTracker{
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		attempts:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// seed restores persisted counters so the bound survives daemon restarts.
func (t *restartTracker) seed(name string, attempts int, lastAttempt time.Time) {
	if attempts > 0 {
		t.attempts[name] = attempts
	}
	if !lastAttempt.IsZero() {
		t.lastAttempt[name] = lastAttempt
	}
}

// allow reports whether a restart attempt may proceed for the service and, if
// so, records the attempt. The cooldown clock restarts on every attempt
// regardless of its outcome.
func (t *restartTracker) allow(name string) bool {
	now := t.now()
	if last, ok := t.lastAttempt[name]; ok && now.Sub(last) > t.cooldown {
		delete(t.attempts, name)
	}
	if t.attempts[name] >= t.maxAttempts {
		return false
	}
	t.attempts[name]++
	t.lastAttempt[name] = now
	return true
}

// succeeded resets the attempt counter after a restart that completed.
func (t *restartTracker) succeeded(name string) {
	delete(t.attempts, name)
}

func (t *restartTracker) state(name string) (int, time.Time) {
	return t.attempts[name], t.lastAttempt[name]
}

func (t *restartTracker) forget(name string) {
	delete(t.attempts, name)
	delete(t.lastAttempt, name)
}
