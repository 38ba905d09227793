package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_relay"

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking attempts by result"},
		[]string{"result"},
	)
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "releases_total", Help: "Booking releases by result and source"},
		[]string{"result", "source"},
	)
	RelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relays_total", Help: "Position updates relayed to a counterpart session"},
		[]string{"kind"},
	)
	TrackingDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_deliveries_total", Help: "Live tracking messages delivered to subscribers"},
		[]string{"event"},
	)
	TrackQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "track_queries_total", Help: "Booking code lookups by serving path"},
		[]string{"source"},
	)
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_subscriptions", Help: "Active tracking subscriptions"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	Sessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})
	SendDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_send_dropped_total", Help: "Outbound messages dropped on full or closed sessions"})

	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "store_writes_total", Help: "Asynchronous durable writes by result"},
		[]string{"result"},
	)
	StoreQueueDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "store_queue_dropped_total", Help: "Durable writes dropped on a full queue"})
	EventsPublished   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events handed to the event sink"},
		[]string{"type", "result"},
	)

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_duration_seconds",
		Help:      "Time spent building and fanning out the driver snapshot",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

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
