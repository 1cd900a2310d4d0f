// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "guarded_trader_orders_total", Help: "Broker order submissions by side and outcome."},
		[]string{"side", "outcome"},
	)
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "guarded_trader_reconciliations_total", Help: "Reconciliation runs by purpose and result."},
		[]string{"purpose", "result"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "guarded_trader_notifications_total", Help: "Notification deliveries by channel and outcome."},
		[]string{"channel", "outcome"},
	)
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "guarded_trader_retry_events_total", Help: "Retry loop events by operation and event."},
		[]string{"op", "event"},
	)
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "guarded_trader_job_runs_total", Help: "Scheduled job runs by job and status."},
		[]string{"job", "status"},
	)
	PositionAction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "guarded_trader_position_action", Help: "1 for the current expected action, 0 otherwise."},
		[]string{"action"},
	)
	KillSwitch = prometheus.NewGauge(prometheus.GaugeOpts{Name: "guarded_trader_kill_switch", Help: "1 while the kill switch is active."})
)

func init() {
	prometheus.MustRegister(Orders, Reconciliations, Notifications, RetryAttempts, JobRuns, PositionAction, KillSwitch)
}

// SetAction flags action as the current expected action.
func SetAction(action string, all []string) {
	for _, a := range all {
		v := 0.0
		if a == action {
			v = 1
		}
		PositionAction.WithLabelValues(a).Set(v)
	}
}
