package notify

import "context"

// --- Generic Webhook ---

// Generic posts the full notification as JSON, for integrations that route on
// the recipient fields themselves.
type Generic struct{ WebhookURL string }

func (g *Generic) Name() string { return "GenericWebhook" }
func (g *Generic) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"id":             n.ID,
		"title":          title(n),
		"message":        n.Message,
		"date":           n.Date,
		"recipient_id":   n.Recipient.RecipientID,
		"recipient_role": n.Recipient.RecipientRole,
		"agent":          "farewelld",
	}
	return postJSON(ctx, g.WebhookURL, payload)
}
