package nudge

import (
	"context"
	"errors"
	"time"

	"munchclub/pkg/client"
	"munchclub/pkg/kafka"
)

// webhookPayload is the body posted for every nudge.
type webhookPayload struct {
	EventID     string   `json:"event_id"`
	LocationID  string   `json:"location_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Contact     string   `json:"contact,omitempty"`
	Others      []string `json:"others_present"`
}

// WebhookNotifier posts nudges to an HTTP endpoint that owns delivery.
type WebhookNotifier struct {
	client *client.HTTPClient
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	c := client.NewHTTPClient(url, timeout)
	c.Headers["User-Agent"] = "munchclub-nudge-relay"
	return &WebhookNotifier{client: c}
}

// Notify fails permanently on 4xx replies, which a retry cannot fix.
func (n *WebhookNotifier) Notify(ctx context.Context, nudge Nudge) error {
	_, err := n.client.PostJSON(ctx, "", webhookPayload{
		EventID:     nudge.EventID,
		LocationID:  nudge.LocationID,
		UserID:      nudge.UserID,
		DisplayName: nudge.DisplayName,
		Contact:     nudge.Contact,
		Others:      nudge.Others,
	})

	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return kafka.NewPermanentError("nudge webhook rejected the request", err)
	}
	return err
}
