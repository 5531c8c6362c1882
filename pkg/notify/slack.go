package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	Channel    string
}

// NewSlackNotifier creates a Slack notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL, Channel: channel}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, s Status) error {
	if n.WebhookURL == "" {
		return nil
	}

	if err := slack.PostWebhookContext(ctx, n.WebhookURL, n.message(s)); err != nil {
		sentTotal.WithLabelValues("slack", "error").Inc()
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	sentTotal.WithLabelValues("slack", "ok").Inc()
	return nil
}

func (n *SlackNotifier) message(s Status) *slack.WebhookMessage {
	icon := ":white_check_mark:"
	if s.Status != StatusOK {
		icon = ":red_circle:"
	}

	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Workforce harvest", false, false))
	fields := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Status:*\n%s %d", icon, s.Status), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Workers:*\n"+s.Count(), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Target:*\n"+s.TargetHost, false, false),
	}, nil)
	msg := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, s.Message, false, false), nil, nil)

	return &slack.WebhookMessage{
		Channel: n.Channel,
		Text:    fmt.Sprintf("Workforce harvest: %s", summary(s)),
		Blocks:  &slack.Blocks{BlockSet: []slack.Block{header, fields, msg}},
	}
}
