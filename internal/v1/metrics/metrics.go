package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the watch-party platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: watchparty (application-level grouping)
// - subsystem: gateway, room, transcode, media, circuit_breaker, rate_limit, redis, store
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of active gateway connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of gateway events processed (CounterVec)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total gateway events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing gateway messages (HistogramVec)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Subsystem: "gateway",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing gateway messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SyncTickDrift tracks the reported host time at each sync tick, per room, as a simple gauge
	// of the last reported playback time (used for dashboards, not alerting).
	SyncTickDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "last_known_time_seconds",
		Help:      "Last known playback time reported by the host, per room",
	}, []string{"room_id"})

	// HostElections tracks host-election outcomes (created, reclaimed, fallback, succession)
	HostElections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "host_elections_total",
		Help:      "Total host-election decisions, labeled by outcome",
	}, []string{"outcome"})

	// TranscodeSessions tracks active transcode entries (Gauge)
	TranscodeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "transcode",
		Name:      "sessions_active",
		Help:      "Current number of active transcode entries",
	})

	// TranscodeAttached tracks attached clients per transcode entry (GaugeVec)
	TranscodeAttached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "transcode",
		Name:      "attached_clients",
		Help:      "Number of clients attached to a transcode entry",
	}, []string{"media_id"})

	// TranscodeFailures tracks encoder failures (CounterVec)
	TranscodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "transcode",
		Name:      "failures_total",
		Help:      "Total transcode process failures",
	}, []string{"reason"})

	// MediaProxyRequests tracks media proxy requests by mode and status (CounterVec)
	MediaProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "media",
		Name:      "requests_total",
		Help:      "Total media proxy requests",
	}, []string{"mode", "status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// StoreFailures tracks RoomStore/MessageStore failures that degrade to in-memory operation
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Total store operation failures (coordinator continues in-memory)",
	}, []string{"store", "op"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
