// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	actions         *prometheus.CounterVec
	modelRounds     *prometheus.CounterVec
	sweeps          prometheus.Counter
	sweepSkipped    prometheus.Counter
	routeForwards   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "task_attempts_total",
			Help:      "Task execution attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "herald",
			Name:      "task_attempt_duration_seconds",
			Help:      "Wall time of one task execution attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"trigger"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "task_actions_total",
			Help:      "Executed model actions by type and outcome.",
		}, []string{"type", "outcome"}),
		modelRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "model_rounds_total",
			Help:      "Model invocations by protocol round.",
		}, []string{"round"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "scheduler_sweeps_total",
			Help:      "Completed scheduler sweeps.",
		}),
		sweepSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "scheduler_busy_skips_total",
			Help:      "Due tasks skipped because an attempt was already in flight.",
		}),
		routeForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Name:      "reply_forwards_total",
			Help:      "Inbound replies forwarded through reply routes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.attemptDuration, m.actions, m.modelRounds,
		m.sweeps, m.sweepSkipped, m.routeForwards,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) ObserveAttempt(trigger string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(trigger, outcome(ok)).Inc()
	m.attemptDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

// ObserveAction records one action result; skipped actions count separately.
func (m *Metrics) ObserveAction(kind string, ok, skipped bool) {
	if m == nil {
		return
	}
	o := outcome(ok)
	if skipped {
		o = "skipped"
	}
	m.actions.WithLabelValues(kind, o).Inc()
}

func (m *Metrics) ObserveModelRound(round string) {
	if m == nil {
		return
	}
	m.modelRounds.WithLabelValues(round).Inc()
}

func (m *Metrics) ObserveSweep(busySkips int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepSkipped.Add(float64(busySkips))
}

func (m *Metrics) ObserveForward(ok bool) {
	if m == nil {
		return
	}
	m.routeForwards.WithLabelValues(outcome(ok)).Inc()
}
