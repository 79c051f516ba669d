// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the harnessd collectors. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	RunTurns     prometheus.Histogram
	ToolCalls    *prometheus.CounterVec
	Inflight     prometheus.Gauge
	Dispatches   prometheus.Counter
	Retries      prometheus.Counter
	EventsTotal  *prometheus.CounterVec
	LiveEvents   *prometheus.CounterVec
	GraphIssues  *prometheus.GaugeVec
	GateChecks   *prometheus.CounterVec
	GraphBlocked prometheus.Gauge
}

// NewMetrics creates and registers the collectors once per process.
//
// Metrics:
//   - harnessd_runs_total{status}
//   - harnessd_run_duration_seconds
//   - harnessd_run_turns
//   - harnessd_tool_calls_total{tool,success}
//   - harnessd_scheduler_inflight
//   - harnessd_scheduler_dispatch_total
//   - harnessd_scheduler_retries_total
//   - harnessd_events_recorded_total{type}
//   - harnessd_live_events_total{outcome}
//   - harnessd_graph_issues{kind}
//   - harnessd_graph_blocked
//   - harnessd_gate_validations_total{kind,passed}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "harnessd_runs_total",
				Help: "Runs that reached a terminal status",
			}, []string{"status"}),
			RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "harnessd_run_duration_seconds",
				Help:    "Wall-clock duration of runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			}),
			RunTurns: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "harnessd_run_turns",
				Help:    "Turns used per run",
				Buckets: prometheus.LinearBuckets(5, 5, 10),
			}),
			ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "harnessd_tool_calls_total",
				Help: "Tool calls executed by the harness",
			}, []string{"tool", "success"}),
			Inflight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "harnessd_scheduler_inflight",
				Help: "Features currently being executed",
			}),
			Dispatches: promauto.NewCounter(prometheus.CounterOpts{
				Name: "harnessd_scheduler_dispatch_total",
				Help: "Features claimed and dispatched",
			}),
			Retries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "harnessd_scheduler_retries_total",
				Help: "Self-correction retries scheduled",
			}),
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "harnessd_events_recorded_total",
				Help: "Events appended to the durable log",
			}, []string{"type"}),
			LiveEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "harnessd_live_events_total",
				Help: "Significant events offered to live subscribers",
			}, []string{"outcome"}), // delivered, dropped, failed
			GraphIssues: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "harnessd_graph_issues",
				Help: "Issues found by the last dependency graph check",
			}, []string{"kind"}),
			GraphBlocked: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "harnessd_graph_blocked",
				Help: "1 while a dependency cycle blocks scheduling",
			}),
			GateChecks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "harnessd_gate_validations_total",
				Help: "Acceptance validator executions",
			}, []string{"kind", "passed"}),
		}
	})
	return globalMetrics
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(status string, d time.Duration, turns int) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.RunTurns.Observe(float64(turns))
}

// ToolCall records one tool execution.
func (m *Metrics) ToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// SetInflight reports the number of running dispatches.
func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.Inflight.Set(float64(n))
}

// Dispatched counts a claimed feature.
func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.Dispatches.Inc()
}

// Retried counts a scheduled retry.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// EventRecorded counts a durable event.
func (m *Metrics) EventRecorded(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// Live outcomes.
const (
	LiveDelivered = "delivered"
	LiveDropped   = "dropped"
	LiveFailed    = "failed"
)

// LiveEvent counts a live fan-out outcome.
func (m *Metrics) LiveEvent(outcome string) {
	if m == nil {
		return
	}
	m.LiveEvents.WithLabelValues(outcome).Inc()
}

// GraphChecked records the issue counts of a graph check.
func (m *Metrics) GraphChecked(selfRefs, missing, cycles int) {
	if m == nil {
		return
	}
	m.GraphIssues.WithLabelValues("self_reference").Set(float64(selfRefs))
	m.GraphIssues.WithLabelValues("missing_target").Set(float64(missing))
	m.GraphIssues.WithLabelValues("cycle").Set(float64(cycles))
	if cycles > 0 {
		m.GraphBlocked.Set(1)
	} else {
		m.GraphBlocked.Set(0)
	}
}

// GateCheck counts one validator execution.
func (m *Metrics) GateCheck(kind string, passed bool) {
	if m == nil {
		return
	}
	m.GateChecks.WithLabelValues(kind, strconv.FormatBool(passed)).Inc()
}
