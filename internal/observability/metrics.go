package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Open client connections, authenticated or not"})
	OnlineSessions    = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "online_sessions", Help: "Logged-in sessions by role"}, []string{"role"})

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "commands_total", Help: "Client commands handled by verb and outcome"},
		[]string{"verb", "outcome"},
	)
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency distribution",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"verb"},
	)

	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by resulting status"}, []string{"status"})
	OffersTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Fare offers recorded"})
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "broadcast_fanout", Help: "Idle drivers reached per ride request", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride events handled by sink and outcome"}, []string{"sink", "outcome"})
	EventsDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Ride events dropped because the bus buffer was full"})
	PushesDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pushes_dropped_total", Help: "Outbound lines dropped for slow or closed connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
