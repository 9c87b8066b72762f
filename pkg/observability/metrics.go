package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Delivery metrics
	DeliveriesTotal          *prometheus.CounterVec
	DeliveryDuration         *prometheus.HistogramVec
	DeliveryRetriesTotal     prometheus.Counter
	DeliveriesThrottledTotal prometheus.Counter
	QueueDepth               *prometheus.GaugeVec
	WebhooksDisabledTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"event", "status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		DeliveryRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_webhook_delivery_retries_total",
				Help: "Total number of delivery retries scheduled",
			},
		),
		DeliveriesThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_webhook_deliveries_throttled_total",
				Help: "Total number of deliveries re-queued by the rate limiter",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vigil_webhook_queue_depth",
				Help: "Current depth of the delivery queues",
			},
			[]string{"queue"},
		),
		WebhooksDisabledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_webhooks_auto_disabled_total",
				Help: "Total number of webhooks auto-disabled after persistent failures",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.DeliveryRetriesTotal,
		m.DeliveriesThrottledTotal,
		m.QueueDepth,
		m.WebhooksDisabledTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a completed HTTP request
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveDelivery records a completed delivery attempt
func (m *Metrics) ObserveDelivery(event string, success bool, duration time.Duration) {
	status := "failure"
	if success {
		status = "success"
	}
	m.DeliveriesTotal.WithLabelValues(event, status).Inc()
	m.DeliveryDuration.WithLabelValues(event).Observe(duration.Seconds())
}
