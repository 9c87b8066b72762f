// Package webhooks provides event-driven webhook delivery for security
// audit events.
//
// # Overview
//
// This package manages webhook registration, event matching, signed HTTP
// delivery, retry with backoff, and per-webhook statistics. Deliveries run
// on a single cooperative worker goroutine: Trigger enqueues and returns
// immediately, and errors on the delivery path never reach the caller.
//
// # Events
//
// scan.started, scan.completed, scan.failed
// finding.critical, finding.high
// compliance.change
//
// # Usage Example
//
// Register a webhook:
//
//	webhook := &webhooks.Webhook{
//		Name:   "pager",
//		URL:    "https://ops.example.com/hooks/vigil",
//		Events: []webhooks.EventType{webhooks.EventFindingCritical},
//		Secret: "shared-secret",
//	}
//	registry.Register(webhook)
//
// Raise an event:
//
//	manager.Trigger(webhooks.EventScanCompleted, map[string]interface{}{
//		"target":   "web-01",
//		"severity": "critical",
//	})
//
// Verify a signature (receiver side):
//
//	sig := r.Header.Get("X-Vigil-Signature")
//	if !webhooks.Verify(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// Failed deliveries retry after retry_backoff * attempt_count seconds, up
// to max_retries retries after the initial attempt. A webhook that fails
// more than 10 times without a single success is set to the failed status
// and stops triggering until its owner reactivates it.
package webhooks
