package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_executions_total",
			Help: "Total number of finished workflow executions by status",
		},
		[]string{"tenant_id", "trigger_type", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		},
		[]string{"status"},
	)

	ExecutionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncflow_executions_running",
			Help: "Number of executions currently running in this process",
		},
	)

	ScheduledFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_scheduled_firings_total",
			Help: "Scheduler firings by outcome",
		},
		[]string{"outcome"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_provider_calls_total",
			Help: "Provider fetch calls by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncflow_provider_call_duration_seconds",
			Help:    "Provider fetch call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_webhooks_received_total",
			Help: "Inbound webhook calls by receive status",
		},
		[]string{"source", "receive_status"},
	)

	WebhooksRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_webhooks_rate_limited_total",
			Help: "Inbound webhook calls rejected by the per-tenant limiter",
		},
		[]string{"tenant_id"},
	)

	WebhooksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_webhooks_processed_total",
			Help: "Processed webhook payloads by process status",
		},
		[]string{"process_status"},
	)

	WebhookOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_webhook_orders_total",
			Help: "Webhook order lines by upsert status",
		},
		[]string{"upsert_status"},
	)

	WebhookRelays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_webhook_relays_total",
			Help: "Webhook relay attempts by relay status",
		},
		[]string{"relay_status"},
	)

	WebhookProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncflow_webhook_processing_duration_seconds",
			Help:    "Time from dequeue to terminal process status",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_queue_retries_total",
			Help: "Queue jobs sent to the retry or dead letter topic",
		},
		[]string{"destination"},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncflow_progress_subscribers",
			Help: "Number of attached live progress subscribers",
		},
	)

	OutboxEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncflow_outbox_events_total",
			Help: "Outbox events relayed by outcome",
		},
		[]string{"outcome"},
	)
)
