package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilljot_events_published_total",
			Help: "Total number of events published, by topic",
		},
		[]string{"topic"},
	)

	PublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilljot_publish_retries_total",
			Help: "Total number of broker publish retry attempts",
		},
	)

	// Dispatch metrics
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilljot_events_dispatched_total",
			Help: "Total number of events dispatched to handlers, by event type",
		},
		[]string{"type"},
	)

	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilljot_handler_errors_total",
			Help: "Total number of handler invocations that returned an error, by event type",
		},
		[]string{"type"},
	)

	// Realtime metrics
	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilljot_ws_connections_open",
			Help: "Number of currently open realtime connections",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilljot_ws_events_dropped_total",
			Help: "Total number of events dropped from full per-connection send queues",
		},
	)

	EventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilljot_ws_events_delivered_total",
			Help: "Total number of events written to realtime connections",
		},
	)
)

// Register registers all collectors with the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		EventsPublished,
		PublishRetries,
		EventsDispatched,
		HandlerErrors,
		ConnectionsOpen,
		EventsDropped,
		EventsDelivered,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
