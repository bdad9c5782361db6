package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionOpen is 1 while the gateway session is open
	ConnectionOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connection_open",
			Help: "Whether the gateway connection is currently open",
		},
	)

	// ReconnectAttempts counts scheduled reconnection attempts
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		},
	)

	// MessagesSent counts outbound sends by result
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total number of outbound send calls",
		},
		[]string{"result"},
	)

	// SendFailures counts terminal send failures by classified kind
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total number of terminal send failures",
		},
		[]string{"kind"},
	)

	// RetryQueueItems tracks the current retry queue depth
	RetryQueueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_retry_queue_items",
			Help: "Current number of queued inbound messages awaiting retry",
		},
	)

	// InboundMessages counts inbound messages by outcome
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_messages_total",
			Help: "Total number of inbound messages by processing outcome",
		},
		[]string{"outcome"},
	)

	// AlertsEmitted counts critical alerts by type
	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_alerts_total",
			Help: "Total number of critical alerts emitted",
		},
		[]string{"type"},
	)

	// WebhookDeliveries counts backend webhook deliveries by result
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_deliveries_total",
			Help: "Total number of backend webhook deliveries",
		},
		[]string{"result"},
	)
)
