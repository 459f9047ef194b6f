package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopAlerter drops alerts.
type NoopAlerter struct{}

// NewNoop returns an alerter that logs the reason once and does nothing
// thereafter.
func NewNoop(logger zerolog.Logger, reason string) *NoopAlerter {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopAlerter{}
}

// Alert implements Alerter.
func (n *NoopAlerter) Alert(context.Context, Alert) error {
	return nil
}
