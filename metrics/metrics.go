// Package metrics provides Prometheus-compatible instrumentation for the
// workflow engine, grounded on the teacher's PrometheusMetrics
// (graph/metrics.go): a promauto factory registering a small fixed set of
// gauges/histograms/counters, with Enable/Disable/Reset kept for test
// isolation the same way the teacher's graph package uses them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the counters spec.md §2's implementation-effort budget
// calls out for: queue depth, step latency, retry counts, and hook garbage
// collection, all namespaced "workflow_".
type Metrics struct {
	queueDepth  *prometheus.GaugeVec
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	hooksGCed   prometheus.Counter
	hooksActive prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers the engine's metrics with registry (pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "queue_depth",
		Help:      "Number of ready messages waiting in a dispatcher topic, excluding deferred retries.",
	}, []string{"topic"})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow",
		Name:      "step_latency_ms",
		Help:      "Step function execution duration in milliseconds, per attempt.",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"step_name", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "retries_total",
		Help:      "Cumulative step retry attempts, by step and failure classification.",
	}, []string{"step_name", "reason"})

	m.hooksGCed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "hooks_gc_total",
		Help:      "Hooks deleted because their run reached a terminal state.",
	})

	m.hooksActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "hooks_active",
		Help:      "Hooks currently awaiting a webhook delivery.",
	})

	return m
}

// SetQueueDepth records the current depth of one dispatcher topic.
func (m *Metrics) SetQueueDepth(topic string, depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordStepLatency records one step attempt's execution duration.
func (m *Metrics) RecordStepLatency(stepName, status string, d time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(stepName, status).Observe(float64(d.Milliseconds()))
}

// IncrementRetries records one step retry.
func (m *Metrics) IncrementRetries(stepName, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(stepName, reason).Inc()
}

// RecordHooksGC records n hooks deleted in one terminal-run garbage
// collection pass, and decrements the active-hooks gauge by the same count.
func (m *Metrics) RecordHooksGC(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	m.hooksGCed.Add(float64(n))
	m.hooksActive.Sub(float64(n))
}

// RecordHookCreated increments the active-hooks gauge.
func (m *Metrics) RecordHookCreated() {
	if !m.isEnabled() {
		return
	}
	m.hooksActive.Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording, for test isolation.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
