package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/weatherglobe/tileengine/internal/tile"
)

// SortStrategy orders tasks in place relative to now (spec §4.7.1).
type SortStrategy func(tasks []tile.Task, now time.Time)

func distance(ts tile.Timestep, now time.Time) time.Duration {
	t, err := ts.ToTime()
	if err != nil {
		return 0
	}
	d := t.Sub(now)
	if d < 0 {
		d = -d
	}
	return d
}

func isFuture(ts tile.Timestep, now time.Time) bool {
	t, err := ts.ToTime()
	if err != nil {
		return false
	}
	return !t.Before(now)
}

// alternateStrategy orders by distance from now ascending; future and past
// timesteps interleave naturally as their distances interleave.
func alternateStrategy(tasks []tile.Task, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return distance(tasks[i].Timestep, now) < distance(tasks[j].Timestep, now)
	})
}

// futureFirstStrategy orders every future timestep ahead of every past
// timestep, then by distance from now ascending within each group.
func futureFirstStrategy(tasks []tile.Task, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		fi, fj := isFuture(tasks[i].Timestep, now), isFuture(tasks[j].Timestep, now)
		if fi != fj {
			return fi // future (true) sorts before past (false)
		}
		return distance(tasks[i].Timestep, now) < distance(tasks[j].Timestep, now)
	})
}

// Valid strategy name registry. Unexported to prevent external mutation;
// validated through IsValidStrategy / ValidStrategyNames, mirroring the
// teacher's IsValidScheduler/validSchedulers pattern.
var validStrategies = map[string]bool{"alternate": true, "future-first": true}

// IsValidStrategy returns true if name is a recognized sort strategy.
func IsValidStrategy(name string) bool { return validStrategies[name] }

// ValidStrategyNames returns the sorted list of recognized strategy names.
func ValidStrategyNames() []string {
	names := make([]string, 0, len(validStrategies))
	for k := range validStrategies {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewSortStrategy returns the SortStrategy for name. Panics on an
// unrecognized name; callers are expected to validate with IsValidStrategy
// first (e.g. at config-load time).
func NewSortStrategy(name string) SortStrategy {
	if !IsValidStrategy(name) {
		panic(fmt.Sprintf("scheduler: unknown strategy %q", name))
	}
	switch name {
	case "alternate":
		return alternateStrategy
	case "future-first":
		return futureFirstStrategy
	default:
		panic(fmt.Sprintf("scheduler: unhandled strategy %q", name))
	}
}
