// Package metrics declares the dispatcher's Prometheus instrumentation,
// following the teacher's promauto/namespace conventions
// (internal/common/metrics) under a namespace of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CircuitBreakerState constants, matching the teacher's convention.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

var (
	// Dispatcher loop metrics.

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "messages_received_total",
		Help:      "Total messages returned by Receive calls.",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped before dispatch, by reason.",
	}, []string{"reason"})

	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "messages_deleted_total",
		Help:      "Total receipts successfully passed to DeleteBatch.",
	})

	WorkerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "worker_panics_total",
		Help:      "Total worker goroutines that terminated via panic (message will redeliver).",
	})

	InflightCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "inflight_count",
		Help:      "Current size of the Inflight Registry.",
	})

	HeartbeatTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "heartbeat_ticks_total",
		Help:      "Total heartbeat ticks, including ones with nothing inflight that issued no ChangeVisibilityBatch call.",
	})

	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "handler_duration_seconds",
		Help:      "Time a handler invocation took to return.",
		Buckets:   prometheus.DefBuckets,
	})

	PollBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqsdispatch",
		Subsystem: "dispatcher",
		Name:      "poll_circuit_breaker_state",
		Help:      "Poll circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	// Webhook handler metrics.

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook delivery attempts by status class.",
	}, []string{"status_class"})

	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sqsdispatch",
		Subsystem: "webhook",
		Name:      "request_duration_seconds",
		Help:      "Webhook request duration.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	WebhookCircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqsdispatch",
		Subsystem: "webhook",
		Name:      "circuit_breaker_state",
		Help:      "Webhook circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	WebhookCircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "webhook",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total webhook circuit breaker trip events.",
	})

	// Admin HTTP metrics.

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqsdispatch",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total admin HTTP requests.",
	}, []string{"method", "path", "status"})
)
