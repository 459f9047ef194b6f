// Package health runs the background health-monitoring loop: it probes every
// running service for process liveness, port reachability, and endpoint
// health, records bounded per-service histories, fans out alerts, and drives
// bounded auto-restarts through the lifecycle controller.
package health

import (
	"time"
)

// Check is the result of a single health probe of one service.
type Check struct {
	Service   string         `json:"service"`
	Healthy   bool           `json:"healthy"`
	Reason    string         `json:"reason,omitempty"`
	Latency   time.Duration  `json:"latency"`
	CheckedAt time.Time      `json:"checked_at"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

const (
	reasonProcessNotRunning = "process not running"
	reasonPortNotOpen       = "port not open"
)
