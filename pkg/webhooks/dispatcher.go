package webhooks

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vigilops/vigil/pkg/async"
	"github.com/vigilops/vigil/pkg/deliverylog"
	"github.com/vigilops/vigil/pkg/observability"
)

const (
	// defaultPollInterval is the worker's idle sleep between iterations
	// when nothing is immediately actionable.
	defaultPollInterval = 100 * time.Millisecond

	// maxResponseBodyBytes bounds how much of the receiver's response is
	// recorded on the delivery.
	maxResponseBodyBytes = 1000

	// deliveredCacheSize bounds the dedupe cache of terminal delivery ids.
	deliveredCacheSize = 4096

	// throttleRecheckDelay spaces out limiter re-checks for a throttled
	// delivery so the worker does not spin against a drained bucket.
	throttleRecheckDelay = time.Second
)

// DeliveryLimiter gates outbound requests per webhook. The in-process token
// bucket is the default; a Redis-backed limiter can be swapped in for
// multi-instance deployments.
type DeliveryLimiter interface {
	Allow(ctx context.Context, webhookID string) bool
}

// Options configures a Manager. All fields are optional.
type Options struct {
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	History      deliverylog.Store
	Limiter      DeliveryLimiter
	PollInterval time.Duration
}

// Manager owns the delivery queues and the single worker loop. It is
// constructed once at process start and injected into the route handlers;
// there is no package-level state.
type Manager struct {
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	history  deliverylog.Store
	limiter  DeliveryLimiter
	client   *http.Client

	mu      sync.Mutex
	pending []*Delivery
	retry   []*Delivery

	// running enforces the exactly-one-worker invariant. Checked with
	// compare-and-swap so concurrent Trigger calls cannot start duplicates.
	running atomic.Bool

	// delivered remembers terminal delivery ids so a duplicate enqueue can
	// never re-attempt a delivery that already succeeded.
	delivered *lru.LRU[string, struct{}]

	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// now is swapped out in tests to simulate backoff elapsing.
	now func() time.Time
}

// NewManager creates a delivery manager around a registry
func NewManager(registry *Registry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		registry: registry,
		logger:   logger.WithField("component", "webhook-manager"),
		metrics:  opts.Metrics,
		history:  opts.History,
		limiter:  opts.Limiter,
		// Per-delivery timeouts are enforced via request contexts, so the
		// shared client carries no timeout of its own.
		client:       &http.Client{},
		delivered:    lru.NewLRU[string, struct{}](deliveredCacheSize, nil, time.Hour),
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}
}

// Registry returns the webhook registry backing this manager
func (m *Manager) Registry() *Registry {
	return m.registry
}

// History returns the delivery history store, or nil when none is configured
func (m *Manager) History() deliverylog.Store {
	return m.history
}

// Trigger raises an event for all matching webhooks. It enqueues deliveries
// and returns immediately; delivery happens asynchronously on the worker
// loop. Errors on the delivery path never reach the caller.
func (m *Manager) Trigger(event EventType, payload map[string]interface{}) {
	matches := m.registry.Matching(event, payload)
	if len(matches) == 0 {
		m.logger.WithField("event", string(event)).Debug("no matching webhooks for event")
		return
	}

	m.logger.WithFields(map[string]interface{}{
		"event":    string(event),
		"webhooks": len(matches),
	}).Info("queueing webhook deliveries")

	now := m.now().UTC()
	m.mu.Lock()
	for _, webhook := range matches {
		delivery := &Delivery{
			ID:           uuid.NewString(),
			WebhookID:    webhook.ID,
			Event:        event,
			Payload:      payload,
			Status:       DeliveryStatusPending,
			AttemptCount: 1,
			CreatedAt:    now,
		}
		m.pending = append(m.pending, delivery)
	}
	m.updateQueueMetrics()
	m.mu.Unlock()

	m.ensureWorker()
}

// ensureWorker starts the worker loop if it is not already running
func (m *Manager) ensureWorker() {
	if m.running.CompareAndSwap(false, true) {
		async.SafeGo(m.ctx, 0, "webhook delivery worker", func(ctx context.Context) error {
			m.run(ctx)
			return nil
		})
	}
}

// TestDelivery sends one synthetic delivery synchronously, bypassing the
// queue. It counts toward the webhook's statistics like any other delivery.
func (m *Manager) TestDelivery(webhookID string) (*Delivery, bool) {
	webhook, ok := m.registry.Get(webhookID)
	if !ok {
		return nil, false
	}

	delivery := &Delivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		Event:     EventTest,
		Payload: map[string]interface{}{
			"message":    "This is a test delivery from Vigil",
			"webhook_id": webhookID,
		},
		Status:       DeliveryStatusPending,
		AttemptCount: 1,
		CreatedAt:    m.now().UTC(),
	}

	// A throttled test delivery is reported to the caller as-is; no request
	// was made, so the webhook's statistics stay untouched.
	if m.limiter != nil && !m.limiter.Allow(m.ctx, webhook.ID) {
		delivery.Status = DeliveryStatusFailed
		delivery.ErrorMessage = "delivery rate limit exceeded"
		m.recordHistory(delivery)
		return delivery, true
	}

	m.attempt(m.ctx, webhook, delivery)
	if delivery.Succeeded() {
		delivery.Status = DeliveryStatusDelivered
	} else {
		// Test deliveries are one-shot; no retry scheduling.
		delivery.Status = DeliveryStatusFailed
	}
	m.registry.RecordDelivery(webhookID, delivery.Succeeded())
	m.recordHistory(delivery)
	return delivery, true
}

// QueueDepths returns the current pending and retry queue lengths
func (m *Manager) QueueDepths() (pending, retry int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), len(m.retry)
}

// Shutdown stops the worker loop. The in-flight request, if any, is
// abandoned when its own timeout fires; queued deliveries are dropped.
func (m *Manager) Shutdown() {
	m.cancel()
}

// updateQueueMetrics publishes queue depths. Callers must hold m.mu.
func (m *Manager) updateQueueMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.QueueDepth.WithLabelValues("pending").Set(float64(len(m.pending)))
	m.metrics.QueueDepth.WithLabelValues("retry").Set(float64(len(m.retry)))
}
