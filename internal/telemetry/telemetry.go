// Package telemetry exposes the engine's queue and catalog state as
// Prometheus gauges, alongside the plain QueueStats struct the render
// layer reads directly (spec §4.7.2, §6.7). Metrics mirror the teacher's
// Metrics aggregate, generalized from a one-shot end-of-run Print() to a
// live scrape endpoint since the engine runs continuously.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of gauges published by one engine instance. All
// gauges are registered against a caller-supplied registry so multiple
// engines (e.g. in tests) don't collide on the default global registry.
type Metrics struct {
	BytesQueued    prometheus.Gauge
	BytesCompleted prometheus.Gauge
	BytesPerSec    prometheus.Gauge
	ETASeconds     prometheus.Gauge
	QueueDepth     prometheus.Gauge
	SlotsUsed      *prometheus.GaugeVec
	SlotsCapacity  *prometheus.GaugeVec
	WorkerCrashes  prometheus.Counter
}

// New registers and returns a fresh Metrics set on reg. A nil reg uses
// prometheus.NewRegistry() rather than the global DefaultRegisterer, so
// tests can construct independent instances.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		BytesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "bytes_queued", Help: "Bytes of pending fetch work.",
		}),
		BytesCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "bytes_completed", Help: "Total bytes fetched.",
		}),
		BytesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "bytes_per_second", Help: "Rolling observed fetch throughput.",
		}),
		ETASeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "eta_seconds", Help: "Estimated seconds to drain the queue.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "queue_depth", Help: "Number of tasks currently queued or in flight.",
		}),
		SlotsUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "slots_used", Help: "Occupied GPU slots per layer.",
		}, []string{"layer"}),
		SlotsCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tileengine", Name: "slots_capacity", Help: "Total GPU slots per layer.",
		}, []string{"layer"}),
		WorkerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tileengine", Name: "worker_crashes_total", Help: "Decode worker panics recovered and respawned.",
		}),
	}
	reg.MustRegister(m.BytesQueued, m.BytesCompleted, m.BytesPerSec, m.ETASeconds, m.QueueDepth, m.SlotsUsed, m.SlotsCapacity, m.WorkerCrashes)
	return m
}

// QueueStatsView is the minimal shape telemetry needs from
// internal/scheduler's QueueStats without importing it directly (avoids a
// telemetry<->scheduler import cycle; the caller copies the fields of its
// tile.QueueStats snapshot into a QueueStatsView before calling Publish).
type QueueStatsView struct {
	BytesQueued    int64
	BytesCompleted int64
	BytesPerSec    float64
	ETASeconds     float64
}

// Publish updates the gauges from the current queue snapshot.
func (m *Metrics) Publish(s QueueStatsView) {
	m.BytesQueued.Set(float64(s.BytesQueued))
	m.BytesCompleted.Set(float64(s.BytesCompleted))
	m.BytesPerSec.Set(s.BytesPerSec)
	m.ETASeconds.Set(s.ETASeconds)
}

// PublishSlots updates per-layer slot occupancy gauges.
func (m *Metrics) PublishSlots(layer string, used, capacity int) {
	m.SlotsUsed.WithLabelValues(layer).Set(float64(used))
	m.SlotsCapacity.WithLabelValues(layer).Set(float64(capacity))
}

// PublishQueueDepth updates the queue-depth gauge.
func (m *Metrics) PublishQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordWorkerCrash increments the crash counter.
func (m *Metrics) RecordWorkerCrash() {
	m.WorkerCrashes.Inc()
}
