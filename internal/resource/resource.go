// Package resource samples system-wide and per-service resource usage on a
// background loop, records bounded histories, and checks configured limits.
// Violations are observational: they are logged and queryable, never acted
// on here.
package resource

import (
	"time"
)

// SystemUsage is a timestamped snapshot of host-wide resource usage.
type SystemUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	DiskPercent   float64   `json:"disk_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ServiceUsage is a timestamped snapshot of one service process's usage.
type ServiceUsage struct {
	Service       string    `json:"service"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	Threads       int       `json:"num_threads"`
	Connections   int       `json:"num_connections"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Limits holds optional per-service usage ceilings. A zero dimension is
// unconstrained.
type Limits struct {
	CPUPercent    float64 `yaml:"cpu_percent" json:"cpu_percent,omitempty"`
	MemoryPercent float64 `yaml:"memory_percent" json:"memory_percent,omitempty"`
	MemoryBytes   uint64  `yaml:"memory_bytes" json:"memory_bytes,omitempty"`
	Threads       int     `yaml:"num_threads" json:"num_threads,omitempty"`
	Connections   int     `yaml:"num_connections" json:"num_connections,omitempty"`
}

// IsZero reports whether no dimension is constrained.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// LimitCheck is the outcome of comparing a service's latest sample against
// its configured limits.
type LimitCheck struct {
	Service   string `json:"service"`
	Satisfied bool   `json:"satisfied"`
	Dimension string `json:"dimension,omitempty"`
	Message   string `json:"message"`
}

// Stats aggregates one usage dimension over a history window.
type Stats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Samples int     `json:"samples"`
}
