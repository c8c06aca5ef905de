package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_transitions_total",
		Help: "Confirmed attendance transitions by action.",
	}, []string{"action"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_rejections_total",
		Help: "Rejected transition requests by action and kind.",
	}, []string{"action", "kind"})
)
