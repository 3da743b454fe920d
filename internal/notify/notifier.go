// Package notify is the boundary to the messaging collaborator (the WhatsApp
// gateway). Notifications are dispatched strictly post-commit; a delivery
// failure never rolls back the financial or allocation decision it reports.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Kind of notice being delivered.
const (
	KindOpportunity  = "OPPORTUNITY"
	KindWinner       = "WINNER"
	KindCancellation = "CANCELLATION"
)

// Message is the payload handed to the messaging gateway.
type Message struct {
	Kind        string `json:"kind"`
	RecipientID string `json:"recipient_id"`
	OrderID     string `json:"order_id,omitempty"`
	RoutingID   string `json:"routing_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Notifier delivers a notice to one recipient.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes notices to the process log. Used in development and as
// the fallback when no gateway is configured.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	log.Printf("[NOTIFY] %s to %s (order=%s routing=%s reason=%s)",
		msg.Kind, msg.RecipientID, msg.OrderID, msg.RoutingID, msg.Reason)
	return nil
}

// WebhookNotifier POSTs notices as JSON to the messaging gateway.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[NOTIFY] gateway request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[NOTIFY] gateway returned non-OK status: %d", resp.StatusCode)
		return fmt.Errorf("messaging gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// FromConfig picks the webhook notifier when a gateway URL is configured and
// falls back to logging otherwise.
func FromConfig(webhookURL string) Notifier {
	if webhookURL != "" {
		return NewWebhookNotifier(webhookURL)
	}
	return LogNotifier{}
}
