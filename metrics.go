package streamcore

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible instrumentation for one core
// deployment, namespaced "streamcore_". Metrics exposed:
//
//  1. inflight_tasks (gauge): tasks currently executing. Labels: phase.
//  2. phase_latency_ms (histogram): phase wall-clock duration. Labels:
//     phase, outcome (completed/timed_out/failed).
//  3. task_attempts_total (counter): cumulative task attempts. Labels:
//     phase, outcome (started/failed/completed).
//  4. discarded_total (counter): items routed to a dead-letter stream.
//     Labels: bucket (unusable_record/rejected_message).
//  5. replay_total (counter): invocations that ended not-fully-finalised
//     and re-raised for host redelivery.
//  6. checkpoint_save_latency_ms (histogram): Save call duration.
type Metrics struct {
	inflightTasks   *prometheus.GaugeVec
	phaseLatency    *prometheus.HistogramVec
	taskAttempts    *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	replays         prometheus.Counter
	checkpointSave  prometheus.Histogram

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers every metric against registry. Pass nil
// to use prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightTasks = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcore",
		Name:      "inflight_tasks",
		Help:      "Tasks currently executing, by phase",
	}, []string{"phase"})

	m.phaseLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamcore",
		Name:      "phase_latency_ms",
		Help:      "Phase wall-clock duration in milliseconds",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"phase", "outcome"})

	m.taskAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore",
		Name:      "task_attempts_total",
		Help:      "Cumulative task attempts, by phase and outcome",
	}, []string{"phase", "outcome"})

	m.discarded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcore",
		Name:      "discarded_total",
		Help:      "Items routed to a dead-letter stream, by bucket",
	}, []string{"bucket"})

	m.replays = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "streamcore",
		Name:      "replay_total",
		Help:      "Invocations that ended not-fully-finalised and re-raised for redelivery",
	})

	m.checkpointSave = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamcore",
		Name:      "checkpoint_save_latency_ms",
		Help:      "Checkpoint Save call duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	return m
}

func (m *Metrics) RecordPhaseLatency(phase, outcome string, d time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.phaseLatency.WithLabelValues(phase, outcome).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncrementTaskAttempts(phase, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.taskAttempts.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) SetInflightTasks(phase string, n int) {
	if !m.isEnabled() {
		return
	}
	m.inflightTasks.WithLabelValues(phase).Set(float64(n))
}

func (m *Metrics) IncrementDiscarded(bucket string) {
	if !m.isEnabled() {
		return
	}
	m.discarded.WithLabelValues(bucket).Inc()
}

func (m *Metrics) IncrementReplay() {
	if !m.isEnabled() {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) RecordCheckpointSaveLatency(d time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.checkpointSave.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording (useful for tests sharing a registry).
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
