package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordinator"

var (
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Ride requests accepted into matching"},
		[]string{"mode"},
	)
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_completed_total", Help: "Rides that reached completed"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_cancelled_total", Help: "Cancelled rides by reason"},
		[]string{"reason"},
	)
	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_submitted_total", Help: "Driver offers recorded"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts that lost the race for a round"})
	RoundsExpired   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rounds_expired_total", Help: "Offer rounds closed by a timer"},
		[]string{"reason"},
	)
	BroadcastSkipped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_skipped_total", Help: "Candidates skipped because no session was live"})
	PushFallbacks     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_fallbacks_total", Help: "Events delivered through the push notifier"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidate_selection_seconds", Help: "Candidate selection latency seconds"})
	LocationUpdates   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location pings accepted"})
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_connected", Help: "Live participant sessions"})

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
