package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunAlerter logs alerts without delivering them.
type DryRunAlerter struct {
	logger zerolog.Logger
}

// NewDryRunAlerter returns an alerter that suppresses delivery and logs
// instead.
func NewDryRunAlerter(logger zerolog.Logger) *DryRunAlerter {
	return &DryRunAlerter{logger: logger}
}

// Alert implements Alerter.
func (n *DryRunAlerter) Alert(_ context.Context, alert Alert) error {
	n.logger.Info().
		Str("service", alert.Service).
		Str("message", alert.Message).
		Msg("[DRY-RUN] Would alert")
	return nil
}
