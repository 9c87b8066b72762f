package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigilops/vigil/pkg/deliverylog"
)

// newTestManager builds a manager with a fast poll interval and a clock the
// test can advance to make retry backoffs elapse.
func newTestManager(t *testing.T) (*Manager, *atomic.Int64) {
	t.Helper()

	var offset atomic.Int64
	m := NewManager(NewRegistry(), Options{
		History:      deliverylog.NewMemoryStore(100),
		PollInterval: 5 * time.Millisecond,
	})
	m.now = func() time.Time {
		return time.Now().Add(time.Duration(offset.Load()))
	}
	t.Cleanup(m.Shutdown)
	return m, &offset
}

// waitFor polls a condition until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func registerTestWebhook(t *testing.T, m *Manager, url string, mutate func(*Webhook)) string {
	t.Helper()
	w := activeWebhook()
	w.ID = ""
	w.URL = url
	if mutate != nil {
		mutate(w)
	}
	id, err := m.Registry().Register(w)
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	return id
}

func TestManager_DeliverSuccess(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
	}
	received := make(chan captured, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, _ := newTestManager(t)
	id := registerTestWebhook(t, m, server.URL, nil)

	m.Trigger(EventScanCompleted, map[string]interface{}{"target": "web-01", "findings": float64(3)})

	var got captured
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}

	var envelope struct {
		Event      string                 `json:"event"`
		Timestamp  string                 `json:"timestamp"`
		DeliveryID string                 `json:"delivery_id"`
		Data       map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(got.body, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if envelope.Event != "scan.completed" {
		t.Errorf("Expected event scan.completed, got %s", envelope.Event)
	}
	if envelope.DeliveryID == "" || envelope.Timestamp == "" {
		t.Error("Expected delivery_id and timestamp to be set")
	}
	if envelope.Data["target"] != "web-01" {
		t.Errorf("Expected payload under data, got %v", envelope.Data)
	}

	if got.header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %s", got.header.Get("Content-Type"))
	}
	if got.header.Get("User-Agent") != userAgent {
		t.Errorf("Expected user agent %s, got %s", userAgent, got.header.Get("User-Agent"))
	}
	if got.header.Get("X-Vigil-Event") != "scan.completed" {
		t.Errorf("Expected event header, got %s", got.header.Get("X-Vigil-Event"))
	}
	if got.header.Get("X-Vigil-Delivery") != envelope.DeliveryID {
		t.Error("Expected delivery header to match envelope delivery_id")
	}
	if got.header.Get("X-Vigil-Attempt") != "1" {
		t.Errorf("Expected attempt header 1, got %s", got.header.Get("X-Vigil-Attempt"))
	}

	signature := got.header.Get("X-Vigil-Signature")
	if !Verify(got.body, signature, "test-secret") {
		t.Error("Expected signature to verify against the request body")
	}
	if got.header.Get("X-Vigil-Signature-256") != "sha256="+signature {
		t.Error("Expected prefixed sha256 signature header")
	}

	waitFor(t, 5*time.Second, func() bool {
		w, _ := m.Registry().Get(id)
		return w.SuccessCount == 1
	}, "success counter update")

	w, _ := m.Registry().Get(id)
	if w.DeliveryCount != 1 || w.FailureCount != 0 {
		t.Errorf("Expected 1/1/0 counters, got delivery=%d failure=%d", w.DeliveryCount, w.FailureCount)
	}
}

func TestManager_CustomHeaders(t *testing.T) {
	received := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, _ := newTestManager(t)
	registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.Headers = map[string]string{"X-Environment": "production"}
	})

	m.Trigger(EventScanCompleted, nil)

	select {
	case header := <-received:
		if header.Get("X-Environment") != "production" {
			t.Errorf("Expected custom header to be sent, got %s", header.Get("X-Environment"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestManager_NoSignatureWithoutSecret(t *testing.T) {
	received := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, _ := newTestManager(t)
	registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.Secret = ""
	})

	m.Trigger(EventScanCompleted, nil)

	select {
	case header := <-received:
		if header.Get("X-Vigil-Signature") != "" || header.Get("X-Vigil-Signature-256") != "" {
			t.Error("Expected no signature headers without a secret")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestManager_RetryThenSuccess(t *testing.T) {
	var requests atomic.Int64
	m, offset := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			// Jump the clock far enough for any scheduled backoff to elapse.
			offset.Add(int64(24 * time.Hour))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	id := registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 1
		w.RetryBackoff = 60
	})

	m.Trigger(EventScanCompleted, map[string]interface{}{"target": "web-01"})

	waitFor(t, 5*time.Second, func() bool {
		w, _ := m.Registry().Get(id)
		return w.SuccessCount == 1
	}, "retried delivery to succeed")

	w, _ := m.Registry().Get(id)
	if w.DeliveryCount != 2 || w.FailureCount != 1 {
		t.Errorf("Expected one failure then one success, got delivery=%d failure=%d", w.DeliveryCount, w.FailureCount)
	}
	if requests.Load() != 2 {
		t.Errorf("Expected exactly 2 requests, got %d", requests.Load())
	}

	history := m.History().ListByWebhook(id, 10)
	if len(history) != 2 {
		t.Fatalf("Expected 2 history records, got %d", len(history))
	}
}

func TestManager_RetryExhaustion(t *testing.T) {
	var requests atomic.Int64
	m, offset := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		offset.Add(int64(24 * time.Hour))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	id := registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 2
		w.RetryBackoff = 60
	})

	m.Trigger(EventScanCompleted, nil)

	// Initial attempt plus two retries, then the delivery is abandoned.
	waitFor(t, 5*time.Second, func() bool {
		w, _ := m.Registry().Get(id)
		return w.FailureCount == 3
	}, "all attempts to be exhausted")

	time.Sleep(100 * time.Millisecond)
	if requests.Load() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", requests.Load())
	}

	w, _ := m.Registry().Get(id)
	if w.Status != StatusActive {
		t.Errorf("Expected webhook to stay active at 3 failures, got %s", w.Status)
	}

	history := m.History().ListByWebhook(id, 10)
	if len(history) != 3 {
		t.Fatalf("Expected 3 history records, got %d", len(history))
	}
	if history[0].Status != string(DeliveryStatusFailed) {
		t.Errorf("Expected final record to be failed, got %s", history[0].Status)
	}
}

func TestManager_RetryWaitsForBackoff(t *testing.T) {
	var requests atomic.Int64
	m, offset := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 1
		w.RetryBackoff = 3600
	})

	m.Trigger(EventScanCompleted, nil)

	waitFor(t, 5*time.Second, func() bool {
		return requests.Load() == 1
	}, "initial attempt")

	// The retry must not fire while the backoff has not elapsed.
	time.Sleep(100 * time.Millisecond)
	if requests.Load() != 1 {
		t.Fatalf("Expected retry to wait for backoff, got %d requests", requests.Load())
	}

	offset.Add(int64(24 * time.Hour))
	waitFor(t, 5*time.Second, func() bool {
		return requests.Load() == 2
	}, "retry after backoff elapsed")
}

func TestManager_ConnectionError(t *testing.T) {
	m, _ := newTestManager(t)

	// Nothing listens here; every attempt fails at the transport level.
	id := registerTestWebhook(t, m, "http://127.0.0.1:1", func(w *Webhook) {
		w.MaxRetries = 0
	})

	m.Trigger(EventScanCompleted, nil)

	waitFor(t, 5*time.Second, func() bool {
		w, _ := m.Registry().Get(id)
		return w.FailureCount == 1
	}, "connection failure to be counted")

	history := m.History().ListByWebhook(id, 10)
	if len(history) != 1 {
		t.Fatalf("Expected 1 history record, got %d", len(history))
	}
	if history[0].ErrorMessage == "" {
		t.Error("Expected error message on failed record")
	}
	if history[0].StatusCode != 0 {
		t.Errorf("Expected no status code, got %d", history[0].StatusCode)
	}
}

func TestManager_TriggerWithoutMatches(t *testing.T) {
	m, _ := newTestManager(t)

	m.Trigger(EventScanCompleted, nil)

	pending, retry := m.QueueDepths()
	if pending != 0 || retry != 0 {
		t.Errorf("Expected empty queues, got pending=%d retry=%d", pending, retry)
	}
}

func TestManager_TestDelivery(t *testing.T) {
	var received atomic.Int64
	var event atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		event.Store(r.Header.Get("X-Vigil-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, _ := newTestManager(t)
	id := registerTestWebhook(t, m, server.URL, nil)

	delivery, ok := m.TestDelivery(id)
	if !ok {
		t.Fatal("Expected webhook to be found")
	}
	if delivery.Status != DeliveryStatusDelivered {
		t.Errorf("Expected delivered status, got %s", delivery.Status)
	}
	if received.Load() != 1 {
		t.Fatalf("Expected synchronous delivery, got %d requests", received.Load())
	}
	if event.Load() != string(EventTest) {
		t.Errorf("Expected %s event header, got %v", EventTest, event.Load())
	}

	w, _ := m.Registry().Get(id)
	if w.DeliveryCount != 1 || w.SuccessCount != 1 {
		t.Error("Expected test delivery to count toward statistics")
	}

	if _, ok := m.TestDelivery("missing"); ok {
		t.Error("Expected unknown webhook id to return false")
	}
}

func TestManager_ThrottledDeliveryIsNotAFailure(t *testing.T) {
	var requests atomic.Int64
	var attemptHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		attemptHeader.Store(r.Header.Get("X-Vigil-Attempt"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var offset atomic.Int64
	// Enough denials that counting them as failures would trip auto-disable.
	limiter := &gatedLimiter{allowAfter: 12}
	m := NewManager(NewRegistry(), Options{
		History:      deliverylog.NewMemoryStore(100),
		Limiter:      limiter,
		PollInterval: 5 * time.Millisecond,
	})
	m.now = func() time.Time {
		return time.Now().Add(time.Duration(offset.Load()))
	}
	t.Cleanup(m.Shutdown)

	id := registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 10
	})

	m.Trigger(EventScanCompleted, nil)

	waitFor(t, 10*time.Second, func() bool {
		// Keep the clock moving so each re-queued delivery becomes
		// eligible again.
		offset.Add(int64(time.Hour))
		w, _ := m.Registry().Get(id)
		return w.SuccessCount == 1
	}, "throttled delivery to succeed once the limiter opens")

	if calls := limiter.calls.Load(); calls < 13 {
		t.Errorf("Expected the limiter to be consulted through every cycle, got %d calls", calls)
	}
	if requests.Load() != 1 {
		t.Errorf("Expected a single outbound request, got %d", requests.Load())
	}
	if attemptHeader.Load() != "1" {
		t.Errorf("Expected throttling to consume no attempts, got attempt %v", attemptHeader.Load())
	}

	w, _ := m.Registry().Get(id)
	if w.Status != StatusActive {
		t.Errorf("Expected webhook to stay active through throttling, got %s", w.Status)
	}
	if w.DeliveryCount != 1 || w.FailureCount != 0 {
		t.Errorf("Expected throttling to leave counters untouched, got delivery=%d failure=%d", w.DeliveryCount, w.FailureCount)
	}

	// Throttle cycles leave no trail; only the real attempt is recorded.
	history := m.History().ListByWebhook(id, 20)
	if len(history) != 1 || history[0].Status != string(DeliveryStatusDelivered) {
		t.Errorf("Expected a single delivered record, got %+v", history)
	}
}

func TestManager_TestDeliveryRateLimited(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager(NewRegistry(), Options{
		History:      deliverylog.NewMemoryStore(100),
		Limiter:      denyingLimiter{},
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(m.Shutdown)

	id := registerTestWebhook(t, m, server.URL, nil)

	delivery, ok := m.TestDelivery(id)
	if !ok {
		t.Fatal("Expected webhook to be found")
	}
	if delivery.Status != DeliveryStatusFailed || delivery.ErrorMessage != "delivery rate limit exceeded" {
		t.Errorf("Expected rate limited test delivery, got status=%s error=%q", delivery.Status, delivery.ErrorMessage)
	}
	if requests.Load() != 0 {
		t.Errorf("Expected no outbound request, got %d", requests.Load())
	}

	w, _ := m.Registry().Get(id)
	if w.DeliveryCount != 0 {
		t.Errorf("Expected throttled test delivery to leave statistics untouched, got %d", w.DeliveryCount)
	}
}

func TestManager_RetryClearsPriorResponse(t *testing.T) {
	var requests atomic.Int64
	m, offset := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset.Add(int64(24 * time.Hour))
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("upstream exploded"))
			return
		}
		// Kill the connection so the retry fails before any response.
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	id := registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 1
		w.RetryBackoff = 60
	})

	m.Trigger(EventScanCompleted, nil)

	waitFor(t, 5*time.Second, func() bool {
		return len(m.History().ListByWebhook(id, 10)) == 2
	}, "both attempts to be recorded")

	// Newest first: the transport failure must not carry the first
	// attempt's status code or body over.
	history := m.History().ListByWebhook(id, 10)
	if history[0].StatusCode != 0 {
		t.Errorf("Expected no status code on transport failure, got %d", history[0].StatusCode)
	}
	if history[0].ResponseBody != "" {
		t.Errorf("Expected empty response body, got %q", history[0].ResponseBody)
	}
	if history[0].ErrorMessage == "" {
		t.Error("Expected an error message on the transport failure record")
	}
	if history[1].StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected the first attempt to record 500, got %d", history[1].StatusCode)
	}
}

func TestManager_DeletedWebhookFailsQueuedDelivery(t *testing.T) {
	var requests atomic.Int64
	m, _ := newTestManager(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	id := registerTestWebhook(t, m, server.URL, func(w *Webhook) {
		w.MaxRetries = 5
		w.RetryBackoff = 3600
	})

	m.Trigger(EventScanCompleted, nil)

	waitFor(t, 5*time.Second, func() bool {
		return requests.Load() == 1
	}, "initial attempt")

	m.Registry().Delete(id)

	// The queued retry has no webhook left; it must still terminate with a
	// history record instead of vanishing.
	waitFor(t, 5*time.Second, func() bool {
		return len(m.History().ListByWebhook(id, 10)) == 2
	}, "terminal record for the orphaned delivery")

	history := m.History().ListByWebhook(id, 10)
	if history[0].Status != string(DeliveryStatusFailed) {
		t.Errorf("Expected failed status, got %s", history[0].Status)
	}
	if history[0].ErrorMessage != "webhook no longer exists" {
		t.Errorf("Expected orphan error message, got %q", history[0].ErrorMessage)
	}
	if history[0].StatusCode != 0 {
		t.Errorf("Expected terminal record to carry no response, got status %d", history[0].StatusCode)
	}
	if requests.Load() != 1 {
		t.Errorf("Expected no further requests after deletion, got %d", requests.Load())
	}
}

// gatedLimiter denies the first allowAfter calls, then opens up
type gatedLimiter struct {
	allowAfter int64
	calls      atomic.Int64
}

func (l *gatedLimiter) Allow(ctx context.Context, webhookID string) bool {
	return l.calls.Add(1) > l.allowAfter
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(ctx context.Context, webhookID string) bool { return false }
