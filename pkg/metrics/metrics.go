package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockOperations counts lock manager operations by action
	// (acquire|release|extend) and result (ok|conflict|expired|invalid_token).
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskwire_lock_operations_total",
			Help: "Total number of lock manager operations",
		},
		[]string{"action", "result"},
	)

	// QueueDepth tracks the number of waiting conversations per tenant.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskwire_queue_depth",
			Help: "Waiting conversations per tenant",
		},
		[]string{"tenant"},
	)

	// AcceptOutcomes counts accept attempts by outcome (won|lost|busy|error).
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskwire_accept_outcomes_total",
			Help: "Conversation accept attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ConnectedSessions tracks live websocket sessions.
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskwire_connected_sessions",
			Help: "Number of connected realtime sessions",
		},
	)

	// BroadcastDrops counts events dropped because a recipient was too slow.
	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskwire_broadcast_drops_total",
			Help: "Realtime events dropped due to slow consumers",
		},
	)

	// UploadBytes accumulates committed upload sizes per tenant.
	UploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskwire_upload_bytes_total",
			Help: "Bytes committed through the upload coordinator",
		},
		[]string{"tenant"},
	)

	// EventPublishFailures counts outbound relay publishes that failed.
	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskwire_event_publish_failures_total",
			Help: "Lifecycle event relay publish failures",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskwire_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
