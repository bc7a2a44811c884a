package orchestrator

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-entity upgrade durations and outcome
// counters via expvar.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder and publishes
// it under name. An empty name gets a unique generated one.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("metaupgrade_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns a copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for entity, total := range r.durations {
		durations[entity] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for entity, counts := range r.results {
		cpy := make(map[string]int64, len(counts))
		for outcome, n := range counts {
			cpy[outcome] = n
		}
		results[entity] = cpy
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: durations,
		Results:     results,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe records one upgrade outcome. Records whose kind could not be
// resolved are counted under "unknown".
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, entity, outcome string, duration time.Duration) {
	if entity == "" {
		entity = "unknown"
	}
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	r.durations[entity] += ms
	if _, ok := r.results[entity]; !ok {
		r.results[entity] = make(map[string]int64, 2)
	}
	r.results[entity][outcome]++
	r.mu.Unlock()
}

// PrometheusRecorder exports upgrade counters and latencies on a private
// registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry
	records  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the upgrade collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	r := &PrometheusRecorder{
		registry: reg,
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metaupgrade",
			Name:      "records_total",
			Help:      "Records processed by entity kind and outcome.",
		}, []string{"entity", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metaupgrade",
			Name:      "upgrade_duration_seconds",
			Help:      "Time spent upgrading and validating one record.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"entity"}),
	}
	reg.MustRegister(r.records, r.duration)
	return r
}

// Registry exposes the underlying registry for exposition.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, entity, outcome string, duration time.Duration) {
	if entity == "" {
		entity = "unknown"
	}
	r.records.WithLabelValues(entity, outcome).Inc()
	r.duration.WithLabelValues(entity).Observe(duration.Seconds())
}

// WriteTextfile writes the current metrics in the node exporter textfile
// format.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// MultiRecorder fans observations out to several recorders.
type MultiRecorder []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiRecorder) Observe(ctx context.Context, entity, outcome string, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, entity, outcome, duration)
	}
}

var (
	_ MetricsRecorder = (*ExpvarMetricsRecorder)(nil)
	_ MetricsRecorder = (*PrometheusRecorder)(nil)
	_ MetricsRecorder = MultiRecorder(nil)
)
