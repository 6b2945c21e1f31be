// Package tile holds the shared domain types of the weather-tile engine:
// timesteps, layer/slab configuration, tasks, and per-parameter availability
// state. These are passed between internal/catalog, internal/slotpool, and
// internal/scheduler without any package owning the others.
package tile

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical timestep string shape: YYYY-MM-DDTHHMM, UTC.
const TimeLayout = "2006-01-02T1504"

// Timestep is a single discrete forecast valid-time instant.
type Timestep struct {
	Value string // "YYYY-MM-DDTHHMM", UTC, lexicographically orderable
	Index int    // position in the sorted catalog, assigned after sort
	Run   string // model-run identifier, e.g. "1200Z"
	URL   string // absolute URL of the .om file
}

// ToTime parses Value as a UTC instant. Panics are never used; a parse
// failure here means a Timestep was constructed outside FormatTimestep,
// which is a programmer error, so the error is returned for the caller
// to decide.
func (t Timestep) ToTime() (time.Time, error) {
	ts, err := time.Parse(TimeLayout, t.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("tile: invalid timestep %q: %w", t.Value, err)
	}
	return ts.UTC(), nil
}

// FormatTimestep renders a time.Time as the canonical timestep string.
func FormatTimestep(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// SlabConfig describes one fixed-size component buffer of a layer's tile,
// e.g. the "u" and "v" slabs of a wind layer.
type SlabConfig struct {
	Name      string // opaque identifier used in .om variable names
	SizeBytes int64  // fixed decoded size of one slab's tile
}

// LayerID names a visualization layer.
type LayerID string

// LayerConfig is the host-supplied configuration of one visualization layer.
type LayerConfig struct {
	ID       LayerID
	OMParams []string     // one entry per slab, .om variable name
	Slabs    []SlabConfig // len(Slabs) == len(OMParams)
	Param    string        // cache/availability-tracking parameter name
}

// ParamState is the per-parameter availability record tracked by the
// catalog: remote (implicit, everything in the catalog), persistent-cache,
// and GPU-resident.
type ParamState struct {
	Cache map[string]struct{} // timestep Value -> known present in persistent cache
	GPU   map[string]struct{} // timestep Value -> currently resident in a slot
	Sizes map[string]int64    // timestep Value -> compressed bytes; absent means unknown
}

// NewParamState returns an empty, ready-to-use ParamState.
func NewParamState() *ParamState {
	return &ParamState{
		Cache: make(map[string]struct{}),
		GPU:   make(map[string]struct{}),
		Sizes: make(map[string]int64),
	}
}

// TaskID is the identity of a Task: at most one live task exists per
// (param, timestep, slab) at any time, in-flight or queued.
type TaskID struct {
	Param     string
	Timestep  string // Timestep.Value
	SlabIndex int
}

// Task is one unit of decode work: a single slab of a single parameter at
// a single timestep.
type Task struct {
	ID           TaskID
	Param        string
	Timestep     Timestep
	OMParam      string
	SlabIndex    int
	URL          string
	SizeEstimate int64
	IsFast       bool // true if present in the persistent cache
}

// QueueStats is the single-writer signal the render layer reads for
// bandwidth/progress reporting.
type QueueStats struct {
	BytesQueued    int64
	BytesCompleted int64
	BytesPerSec    float64 // 0 means unknown
	HasRate        bool
	ETASeconds     float64 // 0 means unknown
	HasETA         bool
	Status         QueueStatus
}

// QueueStatus is idle or downloading, flipping on BytesQueued > 0.
type QueueStatus int

const (
	StatusIdle QueueStatus = iota
	StatusDownloading
)

func (s QueueStatus) String() string {
	if s == StatusDownloading {
		return "downloading"
	}
	return "idle"
}
