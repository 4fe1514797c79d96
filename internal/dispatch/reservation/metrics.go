package reservation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_reservation_acquire_total",
		Help: "Driver reservation attempts grouped by outcome.",
	}, []string{"result"})

	sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_reservation_swept_total",
		Help: "Stale reservation index entries removed by the sweeper.",
	})
)
