package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_matching_seconds",
		Help:    "Time from session start to a terminal state.",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 180, 300},
	}, []string{"result"})

	notifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_drivers_notified_total",
		Help: "Total ride offers pushed to drivers.",
	})

	responseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_driver_response_total",
		Help: "Driver responses to ride offers grouped by outcome.",
	}, []string{"outcome"})

	radiusExpansions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_radius_expansions_total",
		Help: "Search radius expansions after candidate exhaustion.",
	})
)
