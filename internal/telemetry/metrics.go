// Package telemetry owns the Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can take one unconditionally.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatty"

// Metrics groups every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	sandboxRuns   *prometheus.CounterVec
	sandboxTime   prometheus.Histogram
	tasksFired    *prometheus.CounterVec
	turnRounds    prometheus.Histogram
	turnsTotal    *prometheus.CounterVec
	activeSession prometheus.Gauge
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_total",
			Help:      "Tool calls by tool and outcome (ok or error kind).",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandbox executions by outcome.",
		}, []string{"outcome"}),
		sandboxTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_seconds",
			Help:      "Sandbox execution wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		tasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_fired_total",
			Help:      "Scheduled tasks fired, by result.",
		}, []string{"result"}),
		turnRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_rounds",
			Help:      "Model rounds taken per turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns, by result (answered, exhausted, error).",
		}, []string{"result"}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.toolCalls, m.toolDuration,
		m.sandboxRuns, m.sandboxTime,
		m.tasksFired,
		m.turnRounds, m.turnsTotal,
		m.activeSession,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ToolDispatch implements tools.Recorder.
func (m *Metrics) ToolDispatch(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// SandboxExecution implements sandbox.Recorder.
func (m *Metrics) SandboxExecution(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(outcome).Inc()
	m.sandboxTime.Observe(elapsed.Seconds())
}

// TaskFired counts one scheduler fire.
func (m *Metrics) TaskFired(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.tasksFired.WithLabelValues(result).Inc()
}

// TurnComplete records the rounds a finished turn used. result is
// "answered", "exhausted" or "error".
func (m *Metrics) TurnComplete(rounds int, result string) {
	if m == nil {
		return
	}
	m.turnRounds.Observe(float64(rounds))
	m.turnsTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the in-memory session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSession.Set(float64(n))
}
