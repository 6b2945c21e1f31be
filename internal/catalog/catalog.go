// Package catalog discovers available timesteps from a remote object
// store, reconciles a published manifest with filesystem listings, and
// tracks per-parameter availability across the remote / persistent-cache /
// GPU-resident tiers (spec §4.5).
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/weatherglobe/tileengine/internal/cachebridge"
	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/tile"
)

// DefaultCacheQuorum is the minimum number of matching persistent-cache
// range entries required before a timestep is considered cached (spec §9
// open question (b); exposed as a configurable constant per Catalog).
const DefaultCacheQuorum = 10

const runStride = 6 * time.Hour

// Catalog holds the sorted timestep index and per-parameter availability
// state for one model.
type Catalog struct {
	Model       string
	Root        string
	CacheQuorum int

	timesteps []tile.Timestep
	byValue   map[string]int // timestep Value -> index into timesteps

	params map[string]*tile.ParamState

	lister       *fetch.Lister
	cache        cachebridge.Client
	httpClient   *http.Client
	manifestRoot string
}

// New constructs an empty Catalog for model rooted at root (e.g.
// https://data.example.com/bucket/gfs). manifestRoot is the parent of the
// per-model manifest directory passed to fetch.FetchManifest.
func New(model, root, manifestRoot string, lister *fetch.Lister, cache cachebridge.Client, httpClient *http.Client) *Catalog {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Catalog{
		Model:        model,
		Root:         root,
		CacheQuorum:  DefaultCacheQuorum,
		params:       make(map[string]*tile.ParamState),
		lister:       lister,
		cache:        cache,
		httpClient:   httpClient,
		manifestRoot: manifestRoot,
	}
}

// Timesteps returns the sorted timestep index.
func (c *Catalog) Timesteps() []tile.Timestep { return c.timesteps }

// ParamState returns (creating if absent) the availability state for param.
func (c *Catalog) ParamState(param string) *tile.ParamState {
	ps, ok := c.params[param]
	if !ok {
		ps = tile.NewParamState()
		c.params[param] = ps
	}
	return ps
}

// runDir formats a run datetime into its YYYY/MM/DD/HHZ/ prefix path.
func runDir(t time.Time) string {
	return fmt.Sprintf("%04d/%02d/%02d/%02dZ/", t.Year(), t.Month(), t.Day(), t.Hour())
}

// parseRunDir builds the UTC run time for the year, month, day and hour
// components of a "YYYY/MM/DD/HHZ/" common prefix.
func parseRunDir(year int, month, day, hour int) time.Time {
	return time.Date(year, time.Month(month), day, hour, 0, 0, 0, time.UTC)
}

// Discover implements the seven-step algorithm of spec §4.5: manifest
// fetch, LIST reconciliation over a two-month window, incomplete-run
// detection, 6-hour-stride run generation with gap-fill, incomplete-run
// timestep prepending (first wins), and final sort + index assignment.
func (c *Catalog) Discover(ctx context.Context) error {
	manifest, err := fetch.FetchManifest(ctx, c.httpClient, c.manifestRoot, c.Model)
	if err != nil {
		return fmt.Errorf("catalog: fetching manifest for %q: %w", c.Model, err)
	}
	refTime, err := time.Parse(tile.TimeLayout, manifest.ReferenceTime)
	if err != nil {
		return fmt.Errorf("catalog: parsing reference_time %q: %w", manifest.ReferenceTime, err)
	}
	refTime = refTime.UTC()

	runs, incompleteRun, incompleteFiles, err := c.listRuns(ctx, refTime)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var out []tile.Timestep

	// Step 6 (applied first so "first wins" de-dup below favors it):
	// incomplete run timesteps take highest priority.
	if incompleteRun != nil {
		for _, key := range incompleteFiles {
			val := key
			if !seen[val] {
				seen[val] = true
				out = append(out, tile.Timestep{Value: val, Run: runDir(*incompleteRun), URL: c.urlFor(*incompleteRun, val)})
			}
		}
	}

	var currentRun time.Time
	if len(runs) > 0 {
		currentRun = runs[len(runs)-1]
	}

	for _, run := range runs {
		if run.Equal(currentRun) {
			for _, vt := range manifest.ValidTimes {
				val, err := normalizeTimestep(vt)
				if err != nil {
					logrus.Warnf("catalog: skipping unparseable valid_time %q: %v", vt, err)
					continue
				}
				if seen[val] {
					continue
				}
				seen[val] = true
				out = append(out, tile.Timestep{Value: val, Run: runDir(run), URL: c.urlFor(run, val)})
			}
			continue
		}
		for h := 0; h < 6; h++ {
			vt := run.Add(time.Duration(h) * time.Hour)
			val := tile.FormatTimestep(vt)
			if seen[val] {
				continue
			}
			seen[val] = true
			out = append(out, tile.Timestep{Value: val, Run: runDir(run), URL: c.urlFor(run, val)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	c.byValue = make(map[string]int, len(out))
	for i := range out {
		out[i].Index = i
		c.byValue[out[i].Value] = i
	}
	c.timesteps = out
	return nil
}

func normalizeTimestep(iso string) (string, error) {
	t, err := time.Parse(tile.TimeLayout, iso)
	if err == nil {
		return tile.FormatTimestep(t), nil
	}
	t2, err2 := time.Parse(time.RFC3339, iso)
	if err2 != nil {
		return "", err
	}
	return tile.FormatTimestep(t2), nil
}

func (c *Catalog) urlFor(run time.Time, timestepValue string) string {
	return fmt.Sprintf("%s/%s%s.om", c.Root, runDir(run), timestepValue)
}

// listRuns enumerates months/days/runs via the object-store LIST API over
// the last-week-plus-current-month window, identifies the newest and
// oldest observed run prefixes, and — if the newest run is later than
// refTime — treats it as incomplete and lists its files.
func (c *Catalog) listRuns(ctx context.Context, refTime time.Time) (runs []time.Time, incompleteRun *time.Time, incompleteFiles []string, err error) {
	now := refTime
	months := []time.Time{now.AddDate(0, 0, -7), now}

	var runDirs []string
	seenMonth := map[string]bool{}
	for _, m := range months {
		monthPrefix := fmt.Sprintf("%04d/%02d/", m.Year(), m.Month())
		if seenMonth[monthPrefix] {
			continue
		}
		seenMonth[monthPrefix] = true
		days, lerr := c.lister.List(ctx, monthPrefix)
		if lerr != nil {
			return nil, nil, nil, fmt.Errorf("catalog: listing %q: %w", monthPrefix, lerr)
		}
		for _, dayPrefix := range days.CommonPrefixes {
			runsResp, lerr := c.lister.List(ctx, dayPrefix)
			if lerr != nil {
				return nil, nil, nil, fmt.Errorf("catalog: listing %q: %w", dayPrefix, lerr)
			}
			runDirs = append(runDirs, runsResp.CommonPrefixes...)
		}
	}
	sort.Strings(runDirs)
	if len(runDirs) == 0 {
		return nil, nil, nil, fmt.Errorf("catalog: no runs discovered under %q", c.Root)
	}

	var parsed []time.Time
	for _, d := range runDirs {
		t, perr := parseRunDirString(d)
		if perr != nil {
			logrus.Warnf("catalog: skipping unparseable run prefix %q: %v", d, perr)
			continue
		}
		parsed = append(parsed, t)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })
	if len(parsed) == 0 {
		return nil, nil, nil, fmt.Errorf("catalog: no valid run prefixes under %q", c.Root)
	}

	oldest := parsed[0]
	newest := parsed[len(parsed)-1]
	lastComplete := newest
	if newest.After(refTime) {
		lastComplete = refTime
		incompleteRun = &newest
		listing, lerr := c.lister.List(ctx, runDir(newest))
		if lerr != nil {
			return nil, nil, nil, fmt.Errorf("catalog: listing incomplete run %q: %w", runDir(newest), lerr)
		}
		for _, key := range listing.Keys {
			val, perr := timestepFromKey(key)
			if perr == nil {
				incompleteFiles = append(incompleteFiles, val)
			}
		}
	}

	for r := oldest; !r.After(lastComplete); r = r.Add(runStride) {
		runs = append(runs, r)
	}
	return runs, incompleteRun, incompleteFiles, nil
}

func parseRunDirString(prefix string) (time.Time, error) {
	var y, mo, d, h int
	_, err := fmt.Sscanf(prefix, "%04d/%02d/%02d/%02dZ/", &y, &mo, &d, &h)
	if err != nil {
		return time.Time{}, err
	}
	return parseRunDir(y, mo, d, h), nil
}

func timestepFromKey(key string) (string, error) {
	// key looks like ".../YYYY/MM/DD/HHZ/YYYY-MM-DDTHHMM.om"
	const suffix = ".om"
	if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
		return "", fmt.Errorf("catalog: key %q missing .om suffix", key)
	}
	slash := -1
	for i := len(key) - len(suffix) - 1; i >= 0; i-- {
		if key[i] == '/' {
			slash = i
			break
		}
	}
	val := key[slash+1 : len(key)-len(suffix)]
	if _, err := time.Parse(tile.TimeLayout, val); err != nil {
		return "", err
	}
	return val, nil
}

// Adjacent returns the bracket (t0 <= at < t1) via binary search on the
// sorted index, clamping at the catalog's boundaries.
func (c *Catalog) Adjacent(at time.Time) (tile.Timestep, tile.Timestep) {
	n := len(c.timesteps)
	if n == 0 {
		return tile.Timestep{}, tile.Timestep{}
	}
	val := tile.FormatTimestep(at)
	idx := sort.Search(n, func(i int) bool { return c.timesteps[i].Value > val })
	// idx is the first element strictly greater than `at`.
	t1idx := idx
	t0idx := idx - 1
	if t0idx < 0 {
		t0idx = 0
	}
	if t1idx >= n {
		t1idx = n - 1
	}
	return c.timesteps[t0idx], c.timesteps[t1idx]
}

// GetWindow starts from Adjacent(at) and greedily expands outward,
// balancing past/future counts, until n timesteps are selected or the
// catalog is exhausted.
func (c *Catalog) GetWindow(at time.Time, n int) []tile.Timestep {
	total := len(c.timesteps)
	if total == 0 || n <= 0 {
		return nil
	}
	t0, _ := c.Adjacent(at)
	center := t0.Index

	selected := map[int]bool{center: true}
	result := []int{center}
	past, future := center-1, center+1

	for len(result) < n && (past >= 0 || future < total) {
		takeFuture := false
		switch {
		case past < 0:
			takeFuture = true
		case future >= total:
			takeFuture = false
		default:
			// Balance by alternating, preferring future on ties, matching
			// "balancing past/future counts" while favoring the
			// future-leaning convention used by the scheduler's
			// future-first strategy.
			pastCount, futureCount := center-past-1, future-center-1
			takeFuture = futureCount <= pastCount
		}
		if takeFuture && future < total {
			if !selected[future] {
				selected[future] = true
				result = append(result, future)
			}
			future++
		} else if past >= 0 {
			if !selected[past] {
				selected[past] = true
				result = append(result, past)
			}
			past--
		} else {
			break
		}
	}

	sort.Ints(result)
	out := make([]tile.Timestep, len(result))
	for i, idx := range result {
		out[i] = c.timesteps[idx]
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// GetWindowTasks computes the current window and emits one Task per
// (layer, slab, window-timestep) not already GPU-resident (spec §4.5).
func (c *Catalog) GetWindowTasks(at time.Time, capacity int, layers []tile.LayerConfig) ([]tile.Timestep, []tile.Task) {
	window := c.GetWindow(at, capacity)
	var tasks []tile.Task
	for _, layer := range layers {
		ps := c.ParamState(layer.Param)
		for slabIdx, omParam := range layer.OMParams {
			for _, ts := range window {
				if _, onGPU := ps.GPU[ts.Value]; onGPU {
					continue
				}
				_, cached := ps.Cache[ts.Value]
				size, hasSize := ps.Sizes[ts.Value]
				if !hasSize {
					size = defaultSizeEstimate(layer, slabIdx)
				}
				tasks = append(tasks, tile.Task{
					ID:           tile.TaskID{Param: layer.Param, Timestep: ts.Value, SlabIndex: slabIdx},
					Param:        layer.Param,
					Timestep:     ts,
					OMParam:      omParam,
					SlabIndex:    slabIdx,
					URL:          ts.URL,
					SizeEstimate: size,
					IsFast:       cached,
				})
			}
		}
	}
	return window, tasks
}

func defaultSizeEstimate(layer tile.LayerConfig, slabIdx int) int64 {
	if slabIdx < len(layer.Slabs) {
		return layer.Slabs[slabIdx].SizeBytes
	}
	return 0
}

// SetCached records that bytes for (param, ts) are now known to be in the
// persistent cache, accumulating across slabs of a multi-slab layer.
func (c *Catalog) SetCached(param string, ts tile.Timestep, bytes int64) {
	ps := c.ParamState(param)
	ps.Cache[ts.Value] = struct{}{}
	ps.Sizes[ts.Value] += bytes
}

// SetGPULoaded marks (param, ts) as GPU-resident.
func (c *Catalog) SetGPULoaded(param string, ts tile.Timestep) {
	c.ParamState(param).GPU[ts.Value] = struct{}{}
}

// SetGPUUnloaded clears GPU residency for (param, ts).
func (c *Catalog) SetGPUUnloaded(param string, ts tile.Timestep) {
	delete(c.ParamState(param).GPU, ts.Value)
}

// SetGPUState resets the entire GPU set for param, used on pool resize.
func (c *Catalog) SetGPUState(param string, resident map[string]struct{}) {
	ps := c.ParamState(param)
	ps.GPU = resident
	if ps.GPU == nil {
		ps.GPU = make(map[string]struct{})
	}
}

// RefreshAvailability queries the host's persistent-cache endpoint for
// param and marks timesteps cached when at least CacheQuorum matching
// range entries are found for their URL pathname (spec §4.5, §3).
func (c *Catalog) RefreshAvailability(ctx context.Context, param string) error {
	items, err := c.cache.GetParamStats(ctx, param)
	if err != nil {
		// Soft-optional endpoint: any failure means "no cache" (spec §6.3).
		logrus.Debugf("catalog: GET_PARAM_STATS(%s) unavailable: %v", param, err)
		return nil
	}

	counts := make(map[uint64]int)
	sizes := make(map[uint64]int64)
	for _, it := range items {
		h := pathHash(it.URL)
		counts[h]++
		sizes[h] += int64(it.SizeMB * 1024 * 1024)
	}

	ps := c.ParamState(param)
	for _, ts := range c.timesteps {
		h := pathHash(ts.URL)
		if counts[h] >= c.quorum() {
			ps.Cache[ts.Value] = struct{}{}
			ps.Sizes[ts.Value] = sizes[h]
		}
	}
	return nil
}

func (c *Catalog) quorum() int {
	if c.CacheQuorum <= 0 {
		return DefaultCacheQuorum
	}
	return c.CacheQuorum
}

// pathHash hashes the pathname of rawURL, so entries match regardless of
// scheme and host; an unparseable URL is hashed as is.
func pathHash(rawURL string) uint64 {
	if u, err := url.Parse(rawURL); err == nil {
		return xxhash.Sum64String(u.Path)
	}
	return xxhash.Sum64String(rawURL)
}
