package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmend_attempts_total",
			Help: "Remediation attempts reaching a terminal state, by outcome reason.",
		},
		[]string{"outcome", "reason"},
	)
	detectionsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmend_detections_coalesced_total",
			Help: "Duplicate detections folded into an existing non-terminal attempt.",
		},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmend_actions_total",
			Help: "Inbound operator actions, by action id and disposition.",
		},
		[]string{"action", "disposition"},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(detectionsCoalescedTotal)
	prometheus.MustRegister(actionsTotal)
}
