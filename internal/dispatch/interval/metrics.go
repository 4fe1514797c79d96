package interval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_interval_tasks_created_total",
		Help: "Recurring tasks registered by this instance.",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_interval_executions_total",
		Help: "Tick outcomes grouped by result.",
	}, []string{"result"})

	orphansReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_interval_orphans_reclaimed_total",
		Help: "Tasks reclaimed from instances with stale heartbeats.",
	})
)
