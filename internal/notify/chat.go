package notify

import (
	"context"
	"fmt"
	"time"
)

// --- Slack ---
type Slack struct {
	WebhookURL string
}

func (s *Slack) Name() string { return "Slack" }
func (s *Slack) Send(ctx context.Context, n Notification) error {
	payload := map[string]string{"text": fmt.Sprintf("*%s*\n%s", title(n), n.Message)}
	return postJSON(ctx, s.WebhookURL, payload)
}

// --- Discord ---
type Discord struct {
	WebhookURL string
}

func (d *Discord) Name() string { return "Discord" }
func (d *Discord) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"username": "Farewell",
		"embeds": []map[string]interface{}{{
			"title":       title(n),
			"description": n.Message,
			"color":       10181046,
			"timestamp":   n.Date.Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, d.WebhookURL, payload)
}
