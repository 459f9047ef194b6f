// Package state persists a snapshot of orchestrator state across daemon
// restarts: last known service statuses, pids, and auto-restart counters.
// The snapshot is advisory; the registry stays the runtime source of truth.
package state

import (
	"context"
	"time"

	"github.com/mkuzmin/stackwarden/internal/registry"
)

// ServiceSnapshot captures the persisted state for one service.
type ServiceSnapshot struct {
	Status          registry.Status `json:"status"`
	PID             int             `json:"pid,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RestartAttempts int             `json:"restart_attempts,omitempty"`
	LastRestart     time.Time       `json:"last_restart"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// State stores snapshots for all services.
type State struct {
	Services map[string]ServiceSnapshot `json:"services"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
