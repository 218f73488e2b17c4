package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messaging gateway.
//
// Naming convention: namespace_subsystem_name
// - namespace: gateway (application-level grouping)
// - subsystem: websocket, room, bus, load, backend, push (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, load level)
// - Counter: Cumulative events (frames processed, publishes, drops)
// - Histogram: Latency distributions (dispatch time, backend requests)

var (
	// ActiveConnections tracks the current number of open sockets (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active socket connections",
	})

	// AuthenticatedConnections tracks sockets bound to a user (Gauge - current state)
	AuthenticatedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "connections_authenticated",
		Help:      "Current number of authenticated socket connections",
	})

	// SocketEvents tracks inbound socket events by type and outcome (CounterVec - cumulative)
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total socket events processed",
	}, []string{"event_type", "status"})

	// DispatchDuration tracks per-event handler time (HistogramVec - latency distribution)
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching socket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedFrames counts volatile frames dropped on backpressure (CounterVec - cumulative)
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Total outbound frames dropped on backpressure",
	}, []string{"reason"})

	// ActiveRooms tracks the current number of rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomBroadcasts counts local room broadcasts (CounterVec - cumulative)
	RoomBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Total room broadcasts performed locally",
	}, []string{"room_type"})

	// BusPublishes counts cross-instance publishes by channel kind (CounterVec - cumulative)
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total envelopes published to the shared bus",
	}, []string{"channel", "status"})

	// BusReceives counts envelopes received from peers (CounterVec - cumulative)
	BusReceives = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bus",
		Name:      "receives_total",
		Help:      "Total envelopes received from the shared bus",
	}, []string{"event"})

	// CircuitBreakerState exposes breaker state by name: 0=closed, 1=open, 2=half-open (GaugeVec)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "bus",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts fast-failed calls while a breaker is open (CounterVec)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bus",
		Name:      "circuit_failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"name"})

	// LoadLevel exposes the current load classification: 0=normal 1=elevated 2=high 3=critical (Gauge)
	LoadLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "load",
		Name:      "level",
		Help:      "Current load level (0=normal, 1=elevated, 2=high, 3=critical)",
	})

	// ThrottledEvents counts admissions denied under load (CounterVec - cumulative)
	ThrottledEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "load",
		Name:      "throttled_total",
		Help:      "Total connections or messages denied under load",
	}, []string{"kind"})

	// BackendRequests counts backend calls by method and outcome (CounterVec - cumulative)
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Total backend HTTP requests",
	}, []string{"method", "status"})

	// BackendRequestDuration tracks backend call latency (HistogramVec)
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "backend",
		Name:      "request_seconds",
		Help:      "Backend HTTP request latency",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method"})

	// BackendRetries counts retry attempts (Counter - cumulative)
	BackendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Total backend request retries",
	})

	// PushDeliveries counts push API deliveries by target kind (CounterVec - cumulative)
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "push",
		Name:      "deliveries_total",
		Help:      "Total push deliveries by target kind",
	}, []string{"target", "status"})

	// BatchFlushes counts batcher flushes by trigger (CounterVec - cumulative)
	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "push",
		Name:      "batch_flushes_total",
		Help:      "Total batcher flushes by trigger",
	}, []string{"trigger"})

	// RateLimitExceeded counts HTTP and socket rate limit hits (CounterVec)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by a rate limit",
	}, []string{"endpoint", "limit_type"})

	// RateLimitRequests counts requests that passed a rate limit check (CounterVec)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "websocket",
		Name:      "rate_limit_requests_total",
		Help:      "Total requests checked against a rate limit",
	}, []string{"endpoint"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
