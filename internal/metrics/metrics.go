// Package metrics defines the Prometheus instrumentation for the dispatch
// system. All collectors register themselves with the default registry and
// are exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationsTotal counts bed reservation attempts by outcome
	// (reserved, no_beds, already_reserved, error).
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_bed_reservations_total",
			Help: "Total bed reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DispatchesTotal counts completed dispatch pipelines by final status.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_incidents_total",
			Help: "Total incident dispatches by final status.",
		},
		[]string{"status"},
	)

	// SweepReleasedTotal counts beds reclaimed by the reservation sweeper.
	SweepReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_sweep_released_total",
			Help: "Total expired reservations reclaimed by the sweeper.",
		},
	)

	// RankingDuration observes hospital ranking latency.
	RankingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_ranking_duration_seconds",
			Help:    "Latency of hospital ranking computations.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTPRequestsTotal counts API requests by method, route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		},
		[]string{"method", "path", "status"},
	)
)
