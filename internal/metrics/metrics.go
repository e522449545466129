package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "therapychat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime gateway metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "therapychat_ws_active_connections",
			Help: "Currently registered realtime connections",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "therapychat_ws_active_rooms",
			Help: "Sessions with at least one live connection",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_ws_connections_rejected_total",
			Help: "Connections closed during the handshake",
		},
		[]string{"reason"}, // "auth", "forbidden"
	)

	ConnectionsDisplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "therapychat_ws_connections_displaced_total",
			Help: "Connections closed because the same participant connected again",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_ws_inbound_events_total",
			Help: "Inbound realtime events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_ws_events_delivered_total",
			Help: "Outbound events handed to a connection",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_ws_events_dropped_total",
			Help: "Outbound events that could not be handed to a connection",
		},
		[]string{"type"},
	)

	// Business metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "therapychat_sessions_created_total",
			Help: "Total sessions scheduled",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "therapychat_session_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"to"},
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "therapychat_messages_appended_total",
			Help: "Total chat messages persisted",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "therapychat_rate_limit_hits_total",
			Help: "Inbound events rejected by the per-participant rate limit",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "therapychat_store_latency_seconds",
			Help:    "Session store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation"},
	)
)
