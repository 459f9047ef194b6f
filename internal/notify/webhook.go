package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"service":{{ toJson .Service }},"message":{{ toJson .Message }},"generated_at":{{ toJson .GeneratedAt }}}`

// WebhookPayload is the template context for webhook alerts.
type WebhookPayload struct {
	Service     string
	Message     string
	GeneratedAt time.Time
}

// WebhookAlerter sends alerts to a generic webhook as templated JSON.
type WebhookAlerter struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *httpPoster
}

// NewWebhookAlerter creates a webhook alerter with the provided template. An
// empty URL yields (nil, nil) so callers can pass the result straight into
// NewMultiAlerter.
func NewWebhookAlerter(logger zerolog.Logger, webhookURL, tmpl string) (*WebhookAlerter, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookAlerter{
		logger:   logger,
		template: parsed,
		poster:   newHTTPPoster(logger, "webhook", webhookURL, defaultTiming),
	}, nil
}

// Alert implements Alerter.
func (n *WebhookAlerter) Alert(ctx context.Context, alert Alert) error {
	if n == nil {
		return nil
	}

	if err := n.poster.waitForRateLimit(ctx, alert.Service); err != nil {
		return err
	}

	payload := WebhookPayload{
		Service:     alert.Service,
		Message:     alert.Message,
		GeneratedAt: alert.Timestamp.UTC(),
	}

	var buf bytes.Buffer
	if err := n.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := n.poster.postWithRetry(ctx, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("service", alert.Service).
		Msg("webhook alert sent")

	return nil
}
