// Package observability provides structured logging, Prometheus metrics,
// health probes and graceful shutdown.
//
// # Overview
//
// This package centralizes observability infrastructure for the webhook
// delivery service: JSON logging, metrics collection, dependency health
// checks and coordinated shutdown.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("Server started")
//
// Context-aware logging:
//
//	logger.WithField("request_id", reqID).WithError(err).Error("Request failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveHTTPRequest("GET", "/webhooks", 200, duration)
//	metrics.ObserveDelivery("scan.completed", true, duration)
//
// Queue gauges:
//
//	metrics.QueueDepth.WithLabelValues("pending").Set(float64(depth))
//
// # Health Checks
//
// HealthChecker serves /healthz (liveness) and /readyz (readiness). Database
// and Redis are optional dependencies; absent ones are skipped.
//
// # Graceful Shutdown
//
// ShutdownManager waits for SIGINT/SIGTERM, drains the HTTP server and runs
// registered shutdown functions in order.
package observability
