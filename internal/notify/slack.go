package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackAlerter posts alerts to a Slack incoming webhook using Block Kit.
type SlackAlerter struct {
	logger zerolog.Logger
	timing timingConfig
	poster *httpPoster
}

// SlackOption customizes SlackAlerter behavior.
type SlackOption func(*SlackAlerter)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackAlerter) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackAlerter creates a Slack alerter, or a noop alerter when the webhook
// URL is empty.
func NewSlackAlerter(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Alerter {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; slack alerts disabled")
	}

	alerter := &SlackAlerter{
		logger: logger,
		timing: defaultTiming,
	}
	for _, opt := range opts {
		opt(alerter)
	}
	alerter.poster = newHTTPPoster(logger, "slack", webhookURL, alerter.timing)

	return alerter
}

// Alert implements Alerter.
func (n *SlackAlerter) Alert(ctx context.Context, alert Alert) error {
	if err := n.poster.waitForRateLimit(ctx, alert.Service); err != nil {
		return err
	}

	payload, err := json.Marshal(buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.poster.postWithRetry(ctx, payload); err != nil {
		return err
	}

	n.logger.Debug().
		Str("service", alert.Service).
		Msg("slack alert sent")

	return nil
}

func buildSlackMessage(alert Alert) slack.WebhookMessage {
	summary := fmt.Sprintf("Service %s unhealthy", alert.Service)

	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*: %s", alert.Service, alert.Message), false, false),
		nil, nil,
	)
	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("At: %s", alert.Timestamp.UTC().Format("2006-01-02 15:04:05 MST")), false, false),
	)

	blockSet := slack.Blocks{BlockSet: []slack.Block{header, body, footer}}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}
