package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogAlerter writes alerts to the structured log. It is the default sink so
// unhealthy services are always visible even with no webhook configured.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter returns a log-backed alert sink.
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert implements Alerter.
func (l *LogAlerter) Alert(_ context.Context, alert Alert) error {
	l.logger.Warn().
		Str("service", alert.Service).
		Time("at", alert.Timestamp).
		Msg(alert.Message)
	return nil
}
