package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Alerter raises operator alerts for abnormal pipeline behavior. Delivery is
// best effort; a failed alert must never fail the work that triggered it.
type Alerter interface {
	Alert(ctx context.Context, message string)
}

// SlackAlerter posts operator alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	logger     zerolog.Logger
}

func NewSlackAlerter(webhookURL string, logger zerolog.Logger) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		logger:     logger,
	}
}

func (a *SlackAlerter) Alert(ctx context.Context, message string) {
	if a.webhookURL == "" {
		return
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: %s", message),
	}

	if err := slack.PostWebhookContext(ctx, a.webhookURL, msg); err != nil {
		a.logger.Error().Err(err).Msg("failed to deliver operator alert")
	}
}

// NopAlerter is used when no alert webhook is configured.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, string) {}
