// Package notify delivers health alerts to external sinks. The engine holds a
// single Alerter; fan-out to several sinks goes through MultiAlerter. Delivery
// policy stays outside the orchestration core: the assembler decides which
// sinks to register.
package notify

import (
	"context"
	"time"
)

// Alert describes one health event for one service.
type Alert struct {
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter delivers alerts to an external system.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}
