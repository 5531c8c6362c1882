package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TeamsNotifier posts an adaptive card to a Teams incoming webhook.
type TeamsNotifier struct {
	WebhookURL string
	Title      string
	httpClient *http.Client
}

// NewTeamsNotifier creates a Teams notifier. An empty URL disables it.
func NewTeamsNotifier(webhookURL string) *TeamsNotifier {
	return &TeamsNotifier{
		WebhookURL: webhookURL,
		Title:      "Workforce harvest",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier.
func (t *TeamsNotifier) Notify(ctx context.Context, s Status) error {
	if t.WebhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(t.card(s))
	if err != nil {
		return fmt.Errorf("failed to marshal teams card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		sentTotal.WithLabelValues("teams", "error").Inc()
		return fmt.Errorf("failed to send teams notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sentTotal.WithLabelValues("teams", "error").Inc()
		return fmt.Errorf("received status %d from teams webhook", resp.StatusCode)
	}

	sentTotal.WithLabelValues("teams", "ok").Inc()
	return nil
}

// card builds the adaptive card message.
// Ref: https://learn.microsoft.com/microsoftteams/platform/webhooks-and-connectors/how-to/connectors-using
func (t *TeamsNotifier) card(s Status) map[string]interface{} {
	color := "Good"
	if s.Status != StatusOK {
		color = "Attention"
	}

	body := []map[string]interface{}{
		{"type": "TextBlock", "size": "Medium", "weight": "Bolder", "text": t.Title},
		{"type": "TextBlock", "text": "Target: " + s.TargetHost, "wrap": true},
		{"type": "TextBlock", "text": summary(s), "color": color, "wrap": true},
		{"type": "TextBlock", "text": "Message: " + s.Message, "wrap": true},
	}

	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"type":    "AdaptiveCard",
					"version": "1.4",
					"body":    body,
				},
			},
		},
	}
}
