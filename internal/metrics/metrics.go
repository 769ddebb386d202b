package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracker metrics
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_location_updates_total",
			Help: "Total number of location updates by outcome",
		},
		[]string{"status", "reason"},
	)

	LocationUpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "navigation_location_update_duration_seconds",
			Help:    "Time spent processing a single location update",
			Buckets: []float64{.00001, .00005, .0001, .00025, .0005, .001, .005},
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_events_total",
			Help: "Total number of navigation events emitted",
		},
		[]string{"kind"},
	)

	// Session metrics
	ActiveSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "navigation_active_sessions",
			Help: "Current number of active navigation sessions",
		},
	)

	// Reroute metrics
	ReroutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_reroutes_total",
			Help: "Total number of reroute attempts by status",
		},
		[]string{"status"},
	)

	RerouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "navigation_reroute_duration_seconds",
			Help:    "Route provider round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Fan-out metrics
	WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "navigation_websocket_connections",
			Help: "Current number of active event stream connections",
		},
	)

	RabbitMQMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_rabbitmq_messages_published_total",
			Help: "Total number of events published to RabbitMQ",
		},
		[]string{"exchange", "status"},
	)

	// Cache metrics
	RouteCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_route_cache_requests_total",
			Help: "Total number of route cache lookups",
		},
		[]string{"result"},
	)
)

// RecordLocationUpdate records the outcome and processing time of one update
func RecordLocationUpdate(status, reason string, duration time.Duration) {
	LocationUpdatesTotal.WithLabelValues(status, reason).Inc()
	LocationUpdateDuration.Observe(duration.Seconds())
}

// RecordEvent counts an emitted navigation event
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

// RecordReroute records a finished reroute attempt
func RecordReroute(status string, duration time.Duration) {
	ReroutesTotal.WithLabelValues(status).Inc()
	RerouteDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPublish records a message published to the event exchange
func RecordPublish(exchange string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RabbitMQMessagesPublished.WithLabelValues(exchange, status).Inc()
}
