package deliverylog

import (
	"time"
)

// Record is one webhook delivery attempt, kept for inspection after the
// delivery itself has left the queue.
type Record struct {
	ID           int64     `json:"id,omitempty"`
	DeliveryID   string    `json:"delivery_id"`
	WebhookID    string    `json:"webhook_id"`
	Event        string    `json:"event"`
	Attempt      int       `json:"attempt"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store records delivery attempts and serves them back per webhook
type Store interface {
	// Record appends one delivery attempt. Implementations must not fail
	// the delivery path: errors are logged, never propagated to the worker.
	Record(rec Record)

	// ListByWebhook returns the most recent records for a webhook, newest
	// first, up to limit (0 means no limit).
	ListByWebhook(webhookID string, limit int) []Record
}

// Tee fans records out to several stores. Reads are served by the first one.
type Tee []Store

// Record appends the attempt to every underlying store
func (t Tee) Record(rec Record) {
	for _, s := range t {
		s.Record(rec)
	}
}

// ListByWebhook reads from the first store
func (t Tee) ListByWebhook(webhookID string, limit int) []Record {
	if len(t) == 0 {
		return nil
	}
	return t[0].ListByWebhook(webhookID, limit)
}
