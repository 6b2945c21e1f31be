package scheduler

import (
	"time"

	"github.com/weatherglobe/tileengine/internal/tile"
)

// bandwidthWindow is the 10-second rolling (t, bytes) sample window used
// to compute observed throughput (spec §4.7.2).
const bandwidthWindow = 10 * time.Second

// sample is one progress observation.
type sample struct {
	at    time.Time
	bytes int64
}

// Stats tracks queued/completed bytes, a rolling bandwidth estimate, a
// learned compression ratio, and exposes the result both as a plain
// tile.QueueStats (read directly by the render layer) and via
// internal/telemetry's Prometheus gauges.
type Stats struct {
	samples []sample

	bytesQueued    int64
	bytesCompleted int64

	ratioSum   float64
	ratioCount int
}

// NewStats returns a zeroed Stats.
func NewStats() *Stats { return &Stats{} }

// RecordProgress appends a bandwidth sample and accounts n bytes as
// completed, pruning samples older than the 10s window (spec §4.7.2).
func (s *Stats) RecordProgress(now time.Time, n int) {
	s.bytesCompleted += int64(n)
	if s.bytesQueued > 0 {
		s.bytesQueued -= int64(n)
		if s.bytesQueued < 0 {
			s.bytesQueued = 0
		}
	}
	s.samples = append(s.samples, sample{at: now, bytes: int64(n)})
	s.prune(now)
}

func (s *Stats) prune(now time.Time) {
	cutoff := now.Add(-bandwidthWindow)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].at.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
}

// SetQueued sets the current queued-bytes estimate, e.g. after recomputing
// the task queue in OnInputChange.
func (s *Stats) SetQueued(bytes int64) {
	s.bytesQueued = bytes
}

// RecordCompressionSample folds one completed task's actual-vs-estimated
// byte count into the learned compression ratio running mean.
func (s *Stats) RecordCompressionSample(actualBytes, expectedBytes int64) {
	if expectedBytes <= 0 {
		return
	}
	s.ratioSum += float64(actualBytes) / float64(expectedBytes)
	s.ratioCount++
}

// CompressionRatio returns the learned mean ratio, or 1.0 when no samples
// have been recorded yet (no correction applied).
func (s *Stats) CompressionRatio() float64 {
	if s.ratioCount == 0 {
		return 1.0
	}
	return s.ratioSum / float64(s.ratioCount)
}

// bandwidth returns the rolling bytes/sec rate and whether it is defined:
// undefined with fewer than 2 samples or a window shorter than 0.5s
// (spec §4.7.2).
func (s *Stats) bandwidth(now time.Time) (float64, bool) {
	s.prune(now)
	if len(s.samples) < 2 {
		return 0, false
	}
	var total int64
	for _, sm := range s.samples {
		total += sm.bytes
	}
	elapsed := now.Sub(s.samples[0].at)
	if elapsed < 500*time.Millisecond {
		return 0, false
	}
	return float64(total) / elapsed.Seconds(), true
}

// Snapshot computes a tile.QueueStats for the current instant.
func (s *Stats) Snapshot(now time.Time) tile.QueueStats {
	rate, hasRate := s.bandwidth(now)
	out := tile.QueueStats{
		BytesQueued:    s.bytesQueued,
		BytesCompleted: s.bytesCompleted,
		BytesPerSec:    rate,
		HasRate:        hasRate,
	}
	if s.bytesQueued > 0 {
		out.Status = tile.StatusDownloading
	} else {
		out.Status = tile.StatusIdle
	}
	if hasRate && rate > 0 {
		adjusted := float64(s.bytesQueued) * s.CompressionRatio()
		out.ETASeconds = adjusted / rate
		out.HasETA = true
	}
	return out
}
