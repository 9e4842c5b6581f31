// Package metrics holds the Prometheus collectors for the trader. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	BrokerCalls         *prometheus.CounterVec
	BrokerLatency       *prometheus.HistogramVec
	OrderTransitions    *prometheus.CounterVec
	TaskRuns            *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	Escalations         *prometheus.CounterVec
	ReentryLevels       *prometheus.CounterVec
	ReconcileDrift      *prometheus.CounterVec
	Heartbeat           *prometheus.GaugeVec
	ActiveSessions      prometheus.Gauge
	NotificationDropped *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BrokerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_broker_calls_total",
				Help: "Broker calls by adapter, operation and error kind.",
			},
			[]string{"broker", "op", "kind"},
		),
		BrokerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pyramid_broker_call_seconds",
				Help:    "Broker call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"broker", "op"},
		),
		OrderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_order_transitions_total",
				Help: "Order status transitions by target status and entry type.",
			},
			[]string{"status", "entry_type"},
		),
		TaskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_task_runs_total",
				Help: "Scheduled task executions by outcome.",
			},
			[]string{"task", "outcome"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pyramid_task_duration_seconds",
				Help:    "Scheduled task duration in seconds.",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"task"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_exit_escalations_total",
				Help: "Exit escalations by path (modify, cancel_replace, failed).",
			},
			[]string{"path"},
		),
		ReentryLevels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_reentry_levels_taken_total",
				Help: "Re-entry levels taken.",
			},
			[]string{"level"},
		),
		ReconcileDrift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_reconcile_drift_total",
				Help: "Reconciliation repairs by kind.",
			},
			[]string{"kind"},
		),
		Heartbeat: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pyramid_session_heartbeat_timestamp_seconds",
				Help: "Unix time of the last scheduler heartbeat per session.",
			},
			[]string{"user"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pyramid_active_sessions",
				Help: "Number of running user sessions.",
			},
		),
		NotificationDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_notifications_dropped_total",
				Help: "Notifications dropped because the queue was full.",
			},
			[]string{"event"},
		),
	}

	registry.MustRegister(m.BrokerCalls, m.BrokerLatency, m.OrderTransitions, m.TaskRuns, m.TaskDuration,
		m.Escalations, m.ReentryLevels, m.ReconcileDrift, m.Heartbeat, m.ActiveSessions, m.NotificationDropped)
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveBrokerCall(broker, op, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.BrokerCalls.WithLabelValues(broker, op, kind).Inc()
	m.BrokerLatency.WithLabelValues(broker, op).Observe(d.Seconds())
}

func (m *Metrics) ObserveOrderTransition(status, entryType string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(status, entryType).Inc()
}

func (m *Metrics) ObserveTask(task, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, outcome).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) ObserveEscalation(path string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveReentry(level string) {
	if m == nil {
		return
	}
	m.ReentryLevels.WithLabelValues(level).Inc()
}

func (m *Metrics) ObserveDrift(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconcileDrift.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) SetHeartbeat(user string, at time.Time) {
	if m == nil {
		return
	}
	m.Heartbeat.WithLabelValues(user).Set(float64(at.Unix()))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveNotificationDropped(event string) {
	if m == nil {
		return
	}
	m.NotificationDropped.WithLabelValues(event).Inc()
}
