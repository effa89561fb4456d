package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flexpress_matching"

var (
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_events_total", Help: "Realtime events received, by event name"},
		[]string{"event"},
	)
	PushEventsInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_events_invalid_total", Help: "Realtime events dropped for failing validation"},
		[]string{"event"},
	)
	RealtimeConnected  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connected", Help: "1 while the realtime connection is up"})
	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "realtime_reconnects_total", Help: "Realtime reconnection attempts"})

	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "polls_total", Help: "Fallback polls executed, by target"},
		[]string{"target"},
	)
	PollsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "polls_skipped_total", Help: "Fallback poll ticks skipped because nothing was pending"},
		[]string{"target"},
	)
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "poll_errors_total", Help: "Fallback polls that failed"},
		[]string{"target"},
	)

	Refetches       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "refetches_total", Help: "Repository refetches after invalidation"})
	PredictedExpiry = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "predicted_expiry_total", Help: "Pending selections marked expired by the watchdog"})
	UnknownStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "unknown_status_total", Help: "Entities rendered with a status the client does not model"},
		[]string{"entity"},
	)
	UnexpectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "unexpected_transitions_total", Help: "Server status changes outside the modelled lifecycle"},
		[]string{"entity"},
	)

	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mutations_total", Help: "Match and trip mutations, by action and outcome"},
		[]string{"action", "outcome"},
	)
	MutationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "mutation_latency_seconds", Help: "Mutation round trip latency", Buckets: prometheus.DefBuckets},
		[]string{"action"},
	)

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
