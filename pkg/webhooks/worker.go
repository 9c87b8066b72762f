package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vigilops/vigil/pkg/deliverylog"
	"github.com/vigilops/vigil/pkg/observability"
)

// userAgent identifies Vigil to receiving endpoints.
const userAgent = "Vigil-Webhook/1.0"

// deliveryEnvelope is the wire format POSTed to webhook endpoints
type deliveryEnvelope struct {
	Event      string                 `json:"event"`
	Timestamp  string                 `json:"timestamp"`
	DeliveryID string                 `json:"delivery_id"`
	Data       map[string]interface{} `json:"data"`
}

// run is the single cooperative worker loop. It drains the pending queue
// first, then inspects the retry queue, and exits once both are empty. A
// later Trigger call restarts it.
func (m *Manager) run(ctx context.Context) {
	m.logger.Debug("delivery worker started")
	defer func() {
		m.running.Store(false)
		// A Trigger may have enqueued between the last drain and the flag
		// clearing above; re-arm rather than strand those deliveries.
		m.mu.Lock()
		nonEmpty := len(m.pending) > 0 || len(m.retry) > 0
		m.mu.Unlock()
		if nonEmpty && ctx.Err() == nil {
			m.ensureWorker()
		}
		m.logger.Debug("delivery worker idle")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if delivery := m.popPending(); delivery != nil {
			m.deliver(ctx, delivery)
			continue
		}

		delivery, eligible, empty := m.nextRetry()
		if empty {
			return
		}
		if eligible {
			m.deliver(ctx, delivery)
			continue
		}

		// Nothing actionable right now; yield briefly instead of spinning.
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// popPending removes and returns the oldest pending delivery, if any
func (m *Manager) popPending() *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	delivery := m.pending[0]
	m.pending = m.pending[1:]
	m.updateQueueMetrics()
	return delivery
}

// nextRetry pops the head of the retry queue. Deliveries whose backoff has
// not yet elapsed are re-inserted at the back, matching the FIFO re-check
// behavior of the queue: only the minimum-backoff guarantee is contractual.
func (m *Manager) nextRetry() (delivery *Delivery, eligible bool, empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.retry) == 0 {
		return nil, false, len(m.pending) == 0
	}

	delivery = m.retry[0]
	m.retry = m.retry[1:]

	webhook, ok := m.registry.Get(delivery.WebhookID)
	if !ok {
		// Webhook deleted while the delivery waited.
		m.dropOrphaned(delivery)
		m.updateQueueMetrics()
		return nil, false, false
	}

	backoff := time.Duration(webhook.RetryBackoff*delivery.AttemptCount) * time.Second
	now := m.now()
	if now.Sub(delivery.CreatedAt) >= backoff && !now.Before(delivery.notBefore) {
		m.updateQueueMetrics()
		return delivery, true, false
	}

	m.retry = append(m.retry, delivery)
	return nil, false, false
}

// deliver resolves the webhook and performs one attempt, then routes the
// outcome through success or failure handling
func (m *Manager) deliver(ctx context.Context, delivery *Delivery) {
	webhook, ok := m.registry.Get(delivery.WebhookID)
	if !ok {
		m.logger.WithField("webhook_id", delivery.WebhookID).
			Warn("webhook not found for delivery, dropping")
		m.dropOrphaned(delivery)
		return
	}

	if _, seen := m.delivered.Get(delivery.ID); seen {
		// Already terminal; duplicates are never re-attempted.
		return
	}

	// A limiter denial is self-imposed throttling, not an endpoint failure:
	// it consumes no attempt and never counts against the webhook.
	if m.limiter != nil && !m.limiter.Allow(ctx, webhook.ID) {
		m.requeueThrottled(webhook, delivery)
		return
	}

	m.attempt(ctx, webhook, delivery)

	log := m.logger.WithFields(map[string]interface{}{
		"webhook":     webhook.Name,
		"delivery_id": delivery.ID,
		"attempt":     delivery.AttemptCount,
	})

	if delivery.Succeeded() {
		delivery.Status = DeliveryStatusDelivered
		m.delivered.Add(delivery.ID, struct{}{})
		m.registry.RecordDelivery(webhook.ID, true)
		m.recordHistory(delivery)
		log.Info("webhook delivered")
		return
	}

	m.handleFailure(webhook, delivery, log)
}

// attempt performs one signed HTTP POST and records the outcome on the
// delivery. Network and HTTP errors surface only through the delivery
// record; nothing is returned to the caller.
func (m *Manager) attempt(ctx context.Context, webhook *Webhook, delivery *Delivery) {
	delivery.Status = DeliveryStatusInFlight
	// Response fields describe the current attempt only; clear whatever the
	// previous one left behind.
	delivery.StatusCode = 0
	delivery.ResponseBody = ""
	delivery.ErrorMessage = ""
	delivery.DeliveredAt = nil
	start := m.now()

	envelope := deliveryEnvelope{
		Event:      string(delivery.Event),
		Timestamp:  m.now().UTC().Format(time.RFC3339),
		DeliveryID: delivery.ID,
		Data:       delivery.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		delivery.ErrorMessage = fmt.Sprintf("failed to encode payload: %v", err)
		m.observeAttempt(delivery, start)
		return
	}

	timeout := time.Duration(webhook.Timeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		delivery.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		m.observeAttempt(delivery, start)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	// The signature covers the exact bytes on the wire.
	if webhook.Secret != "" {
		signature := Sign(body, webhook.Secret)
		req.Header.Set("X-Vigil-Signature", signature)
		req.Header.Set("X-Vigil-Signature-256", "sha256="+signature)
	}
	req.Header.Set("X-Vigil-Event", string(delivery.Event))
	req.Header.Set("X-Vigil-Delivery", delivery.ID)
	req.Header.Set("X-Vigil-Attempt", strconv.Itoa(delivery.AttemptCount))

	resp, err := m.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			delivery.ErrorMessage = "request timeout"
		} else {
			delivery.ErrorMessage = err.Error()
		}
		m.observeAttempt(delivery, start)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	delivery.StatusCode = resp.StatusCode
	delivery.ResponseBody = string(respBody)
	deliveredAt := m.now().UTC()
	delivery.DeliveredAt = &deliveredAt
	if !delivery.Succeeded() {
		delivery.ErrorMessage = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	m.observeAttempt(delivery, start)
}

// requeueThrottled puts a rate limited delivery back on the retry queue
// untouched: the attempt count stays where it was and no webhook counters
// move, so throttling can never feed auto-disable or retry exhaustion.
func (m *Manager) requeueThrottled(webhook *Webhook, delivery *Delivery) {
	delivery.Status = DeliveryStatusRetryScheduled
	delivery.notBefore = m.now().Add(throttleRecheckDelay)
	if m.metrics != nil {
		m.metrics.DeliveriesThrottledTotal.Inc()
	}

	m.mu.Lock()
	m.retry = append(m.retry, delivery)
	m.updateQueueMetrics()
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"webhook":     webhook.Name,
		"delivery_id": delivery.ID,
	}).Debug("delivery rate limited, re-queued")
}

// dropOrphaned terminally fails a delivery whose webhook was deleted while
// it sat in the queue, leaving a final history record behind
func (m *Manager) dropOrphaned(delivery *Delivery) {
	delivery.Status = DeliveryStatusFailed
	delivery.StatusCode = 0
	delivery.ResponseBody = ""
	delivery.ErrorMessage = "webhook no longer exists"
	m.delivered.Add(delivery.ID, struct{}{})
	m.recordHistory(delivery)
}

// handleFailure counts the failure and either schedules a retry or marks the
// delivery permanently failed. A webhook gets its initial attempt plus up to
// MaxRetries retries before the delivery is abandoned.
func (m *Manager) handleFailure(webhook *Webhook, delivery *Delivery, log *observability.Logger) {
	status, _ := m.registry.RecordDelivery(webhook.ID, false)
	if status == StatusFailed && webhook.Status != StatusFailed {
		if m.metrics != nil {
			m.metrics.WebhooksDisabledTotal.Inc()
		}
		log.Error("webhook auto-disabled after persistent failures")
	}

	if delivery.AttemptCount <= webhook.MaxRetries {
		delivery.Status = DeliveryStatusRetryScheduled
		m.recordHistory(delivery)
		delivery.AttemptCount++
		if m.metrics != nil {
			m.metrics.DeliveryRetriesTotal.Inc()
		}

		m.mu.Lock()
		m.retry = append(m.retry, delivery)
		m.updateQueueMetrics()
		m.mu.Unlock()

		log.WithField("max_retries", webhook.MaxRetries).
			Warn("webhook delivery failed, retry scheduled")
		return
	}

	delivery.Status = DeliveryStatusFailed
	m.delivered.Add(delivery.ID, struct{}{})
	m.recordHistory(delivery)
	log.WithField("error", delivery.ErrorMessage).
		Error("webhook delivery failed permanently")
}

// observeAttempt publishes attempt metrics
func (m *Manager) observeAttempt(delivery *Delivery, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveDelivery(string(delivery.Event), delivery.Succeeded(), m.now().Sub(start))
}

// recordHistory appends the current attempt to the history store
func (m *Manager) recordHistory(delivery *Delivery) {
	if m.history == nil {
		return
	}
	m.history.Record(deliverylog.Record{
		DeliveryID:   delivery.ID,
		WebhookID:    delivery.WebhookID,
		Event:        string(delivery.Event),
		Attempt:      delivery.AttemptCount,
		Status:       string(delivery.Status),
		StatusCode:   delivery.StatusCode,
		ResponseBody: delivery.ResponseBody,
		ErrorMessage: delivery.ErrorMessage,
		CreatedAt:    m.now().UTC(),
	})
}
