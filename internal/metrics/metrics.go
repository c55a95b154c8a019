package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heartbeat_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_ingest_total",
			Help: "Telemetry payloads received at the ingestion boundary",
		},
		[]string{"status"}, // status: published, rejected, failed
	)

	IngestUnroutableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_ingest_unroutable_total",
			Help: "Published payloads whose device identifier could not be parsed",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heartbeat_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Kafka consumer metrics
	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_consumer_messages_total",
			Help: "Messages handled per consumer group",
		},
		[]string{"group", "status"}, // status: acked, nacked
	)

	ConsumerHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heartbeat_consumer_handle_duration_seconds",
			Help:    "Time spent handling one message, commit included",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"group"},
	)

	ConsumerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_consumer_reconnects_total",
			Help: "Reader reconnects after a fetch, handler, or commit failure",
		},
		[]string{"group"},
	)

	// Persistence metrics
	PersistenceWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_persistence_written_total",
			Help: "Telemetry records written",
		},
	)

	PersistenceSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_persistence_skipped_total",
			Help: "Envelopes acknowledged without a write",
		},
		[]string{"reason"}, // reason: decode, unroutable, unknown_device
	)

	// Notification metrics
	NotificationSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_notification_skipped_total",
			Help: "Envelopes acknowledged without rule evaluation",
		},
		[]string{"reason"}, // reason: decode, unroutable, unknown_device
	)

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_alerts_fired_total",
			Help: "Rules that evaluated true",
		},
		[]string{"metric"},
	)

	OwnerCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_owner_cache_total",
			Help: "Device owner cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// Realtime metrics
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heartbeat_realtime_connections",
			Help: "Live subscriptions registered with the hub",
		},
	)

	RealtimeDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_realtime_delivered_total",
			Help: "Alert frames handed to a subscription",
		},
	)

	RealtimeDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_realtime_dropped_total",
			Help: "Alerts dropped before reaching a subscription",
		},
		[]string{"reason"}, // reason: queue_full, stopped, no_subscribers, slow_client
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
