package webhooks

import (
	"fmt"
	"net/url"
	"reflect"
	"time"
)

// EventType represents the type of audit event a webhook can subscribe to
type EventType string

const (
	EventScanStarted      EventType = "scan.started"
	EventScanCompleted    EventType = "scan.completed"
	EventScanFailed       EventType = "scan.failed"
	EventFindingCritical  EventType = "finding.critical"
	EventFindingHigh      EventType = "finding.high"
	EventComplianceChange EventType = "compliance.change"

	// EventTest is reserved for synthetic test deliveries and cannot be
	// subscribed to.
	EventTest EventType = "webhook.test"
)

// KnownEvents returns the event types a webhook may subscribe to
func KnownEvents() []EventType {
	return []EventType{
		EventScanStarted,
		EventScanCompleted,
		EventScanFailed,
		EventFindingCritical,
		EventFindingHigh,
		EventComplianceChange,
	}
}

// IsValid reports whether the event type is subscribable
func (e EventType) IsValid() bool {
	for _, known := range KnownEvents() {
		if e == known {
			return true
		}
	}
	return false
}

// Status represents the lifecycle state of a webhook
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	// StatusFailed is set automatically when a webhook exceeds the failure
	// threshold without a single success. Only an explicit owner update can
	// reactivate it.
	StatusFailed Status = "failed"
)

// Bounds and defaults for webhook configuration fields
const (
	DefaultTimeoutSeconds = 30
	MinTimeoutSeconds     = 5
	MaxTimeoutSeconds     = 300

	DefaultMaxRetries = 3
	MinRetries        = 0
	MaxRetries        = 10

	DefaultRetryBackoffSeconds = 300
	MinRetryBackoffSeconds     = 60
	MaxRetryBackoffSeconds     = 3600

	MinSecretLength = 8
)

// Webhook is a registered notification endpoint owned by a user
type Webhook struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	URL     string      `json:"url"`
	OwnerID string      `json:"owner_id"`
	Status  Status      `json:"status"`
	Events  []EventType `json:"events"`
	Secret  string      `json:"secret,omitempty"`

	// Headers are merged into every delivery request.
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout is the per-delivery request timeout in seconds.
	Timeout int `json:"timeout"`

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries"`

	// RetryBackoff is the base backoff in seconds, multiplied by the
	// attempt count to schedule retries.
	RetryBackoff int `json:"retry_backoff"`

	// Filters restrict which payloads trigger delivery. A key maps to an
	// expected scalar value or a list of allowed values. Empty filters
	// match every payload.
	Filters map[string]interface{} `json:"filters,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`

	DeliveryCount int64 `json:"delivery_count"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}

// applyDefaults fills unset configuration fields with their defaults.
// MaxRetries is not touched here: zero is a valid setting (no retries), so
// absent-vs-zero is resolved at the request decoding layer instead.
func (w *Webhook) applyDefaults() {
	if w.Timeout == 0 {
		w.Timeout = DefaultTimeoutSeconds
	}
	if w.RetryBackoff == 0 {
		w.RetryBackoff = DefaultRetryBackoffSeconds
	}
}

// Validate checks the webhook configuration against field bounds.
// Configuration errors are rejected here so they never reach the dispatcher.
func (w *Webhook) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("webhook name is required")
	}
	if w.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(w.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("webhook URL must be an absolute http(s) endpoint")
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, event := range w.Events {
		if !event.IsValid() {
			return fmt.Errorf("unknown event type: %s", event)
		}
	}
	if w.Secret != "" && len(w.Secret) < MinSecretLength {
		return fmt.Errorf("webhook secret must be at least %d characters", MinSecretLength)
	}
	if w.Timeout < MinTimeoutSeconds || w.Timeout > MaxTimeoutSeconds {
		return fmt.Errorf("timeout must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if w.MaxRetries < MinRetries || w.MaxRetries > MaxRetries {
		return fmt.Errorf("max_retries must be between %d and %d", MinRetries, MaxRetries)
	}
	if w.RetryBackoff < MinRetryBackoffSeconds || w.RetryBackoff > MaxRetryBackoffSeconds {
		return fmt.Errorf("retry_backoff must be between %d and %d seconds", MinRetryBackoffSeconds, MaxRetryBackoffSeconds)
	}
	return nil
}

// ShouldTrigger reports whether the webhook matches an event and payload
func (w *Webhook) ShouldTrigger(event EventType, payload map[string]interface{}) bool {
	if w.Status != StatusActive {
		return false
	}

	subscribed := false
	for _, e := range w.Events {
		if e == event {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	return w.matchesFilters(payload)
}

// matchesFilters checks every configured filter against the payload.
// Missing payload keys fail the match.
func (w *Webhook) matchesFilters(payload map[string]interface{}) bool {
	for key, expected := range w.Filters {
		value, ok := payload[key]
		if !ok {
			return false
		}
		if !filterValueMatches(value, expected) {
			return false
		}
	}
	return true
}

// filterValueMatches compares a payload value against an expected scalar
// or list of allowed values
func filterValueMatches(value, expected interface{}) bool {
	if allowed, ok := expected.([]interface{}); ok {
		for _, candidate := range allowed {
			if reflect.DeepEqual(value, candidate) {
				return true
			}
		}
		return false
	}
	return reflect.DeepEqual(value, expected)
}

// recordDelivery updates delivery statistics. Counters are monotonically
// non-decreasing: success_count + failure_count == delivery_count always
// holds. Callers must hold the registry lock.
func (w *Webhook) recordDelivery(success bool, now time.Time) {
	w.DeliveryCount++
	w.LastTriggered = &now

	if success {
		w.SuccessCount++
	} else {
		w.FailureCount++
	}

	// A webhook that has failed more than 10 times without ever succeeding
	// is considered dead and is taken out of rotation.
	if w.FailureCount > 10 && w.SuccessCount == 0 {
		w.Status = StatusFailed
	}
}

// SuccessRate returns the delivery success rate as a percentage.
// A webhook that has never been triggered reports 100.0.
func (w *Webhook) SuccessRate() float64 {
	if w.DeliveryCount == 0 {
		return 100.0
	}
	return float64(w.SuccessCount) / float64(w.DeliveryCount) * 100.0
}

// clone returns a deep copy safe to hand out to callers
func (w *Webhook) clone() *Webhook {
	dup := *w
	dup.Events = append([]EventType(nil), w.Events...)
	if w.Headers != nil {
		dup.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			dup.Headers[k] = v
		}
	}
	if w.Filters != nil {
		dup.Filters = make(map[string]interface{}, len(w.Filters))
		for k, v := range w.Filters {
			dup.Filters[k] = v
		}
	}
	if w.LastTriggered != nil {
		t := *w.LastTriggered
		dup.LastTriggered = &t
	}
	return &dup
}

// DeliveryStatus represents the state of a delivery in the queue
type DeliveryStatus string

const (
	DeliveryStatusPending        DeliveryStatus = "pending"
	DeliveryStatusInFlight       DeliveryStatus = "in_flight"
	DeliveryStatusDelivered      DeliveryStatus = "delivered"
	DeliveryStatusRetryScheduled DeliveryStatus = "retry_scheduled"
	DeliveryStatusFailed         DeliveryStatus = "failed"
)

// Delivery is one event-to-webhook match working its way through the queue.
// It is owned exclusively by the worker until it reaches a terminal state.
type Delivery struct {
	ID           string                 `json:"id"`
	WebhookID    string                 `json:"webhook_id"`
	Event        EventType              `json:"event"`
	Payload      map[string]interface{} `json:"payload"`
	Status       DeliveryStatus         `json:"status"`
	StatusCode   int                    `json:"status_code,omitempty"`
	ResponseBody string                 `json:"response_body,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	AttemptCount int                    `json:"attempt_count"`
	CreatedAt    time.Time              `json:"created_at"`
	DeliveredAt  *time.Time             `json:"delivered_at,omitempty"`

	// notBefore holds back the next attempt after a rate limiter denial.
	// Zero means no constraint.
	notBefore time.Time
}

// Succeeded reports whether the last attempt got a 2xx response
func (d *Delivery) Succeeded() bool {
	return d.StatusCode >= 200 && d.StatusCode < 300
}
