// Package scheduler is the reactive queue that turns catalog window
// changes into admitted, in-flight decode tasks against the worker pool
// and slot pools (spec §4.7). The scheduler itself never spawns a
// goroutine for its own bookkeeping; the orchestrator (package engine)
// calls its exported methods from a single goroutine, and per-job
// forwarder goroutines only relay worker results back onto channels this
// package drains synchronously (spec §5).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/weatherglobe/tileengine/internal/catalog"
	"github.com/weatherglobe/tileengine/internal/decoder"
	"github.com/weatherglobe/tileengine/internal/slotpool"
	"github.com/weatherglobe/tileengine/internal/telemetry"
	"github.com/weatherglobe/tileengine/internal/tile"
	"github.com/weatherglobe/tileengine/internal/workerpool"
)

// Tuple is the reactive input driving OnInputChange (spec §4.7).
type Tuple struct {
	Time         time.Time
	PoolSize     int
	Capacity     int
	ActiveLayers []tile.LayerID
	Strategy     string
}

// TaskResult is delivered on Results() once a submitted task's worker job
// finishes (or is abandoned without reply, which never reaches this
// channel — see the forwarder goroutine in startTask).
type TaskResult struct {
	TaskID tile.TaskID
	Output []float32
	Err    error
}

// ProgressEvent is delivered on Progress() for every slice of bytes a
// worker reports while decoding an in-flight task.
type ProgressEvent struct {
	TaskID tile.TaskID
	Bytes  int
}

type inflightTask struct {
	task       tile.Task
	cancel     context.CancelFunc
	bytesSoFar int64
	heldSlow   bool // true if this task holds a slot in the slow-task semaphore
}

// maxSlowInFlight bounds concurrent uncached (slow) fetches so a burst of
// window changes can't saturate the pool with cold requests (spec §4.7
// step 6).
const maxSlowInFlight = 2

// pendingSlot tracks a reserved-but-not-yet-committed slot shared by every
// slab task of one (param, timestep), implementing the all-or-nothing
// per-timestep rule (spec.md §9 open question (a)).
type pendingSlot struct {
	handle   *slotpool.SlotHandle
	timestep tile.Timestep
	param    string
	total    int
	done     int
	bytes    int64
}

// JobSubmitter is the seam into the worker pool; *workerpool.Pool
// satisfies it, and tests substitute a fake to avoid decoding real .om
// bytes.
type JobSubmitter interface {
	Fetch(ctx context.Context, job workerpool.Job) <-chan workerpool.Result
}

// Scheduler is the reactive queue/admission controller of §4.7.
type Scheduler struct {
	catalog *catalog.Catalog
	layers  map[tile.LayerID]tile.LayerConfig
	paramToLayer map[string]tile.LayerID
	pools   map[tile.LayerID]*slotpool.Pool
	workers JobSubmitter
	metrics *telemetry.Metrics
	slowSem *semaphore.Weighted // bounds concurrent non-cached (slow) fetches (spec §4.7 step 6)

	strategy     SortStrategy
	strategyName string

	inFlight     map[tile.TaskID]*inflightTask
	pendingSlots map[string]*pendingSlot
	queue        []tile.Task

	stats *Stats

	parentCtx context.Context
	lastTuple Tuple
	hasInput  bool

	results  chan TaskResult
	progress chan ProgressEvent
}

// New builds a Scheduler. parentCtx is the root context every submitted
// task's cancellable sub-context derives from; cancel it to tear down the
// whole engine.
func New(parentCtx context.Context, cat *catalog.Catalog, layers []tile.LayerConfig, pools map[tile.LayerID]*slotpool.Pool, workers JobSubmitter, strategyName string, metrics *telemetry.Metrics) (*Scheduler, error) {
	if !IsValidStrategy(strategyName) {
		return nil, fmt.Errorf("scheduler: unknown strategy %q", strategyName)
	}
	s := &Scheduler{
		catalog:      cat,
		layers:       make(map[tile.LayerID]tile.LayerConfig, len(layers)),
		paramToLayer: make(map[string]tile.LayerID, len(layers)),
		pools:        pools,
		workers:      workers,
		metrics:      metrics,
		strategy:     NewSortStrategy(strategyName),
		strategyName: strategyName,
		slowSem:      semaphore.NewWeighted(maxSlowInFlight),
		inFlight:     make(map[tile.TaskID]*inflightTask),
		pendingSlots: make(map[string]*pendingSlot),
		stats:        NewStats(),
		parentCtx:    parentCtx,
		results:      make(chan TaskResult, 64),
		progress:     make(chan ProgressEvent, 256),
	}
	for _, l := range layers {
		s.layers[l.ID] = l
		s.paramToLayer[l.Param] = l.ID
	}
	return s, nil
}

// Results delivers one TaskResult per task that actually completed or
// failed (cancelled tasks never appear here).
func (s *Scheduler) Results() <-chan TaskResult { return s.results }

// Progress delivers incremental byte counts for in-flight tasks.
func (s *Scheduler) Progress() <-chan ProgressEvent { return s.progress }

// Stats returns a snapshot of queue/bandwidth state for the render layer.
func (s *Scheduler) Stats(now time.Time) tile.QueueStats {
	return s.stats.Snapshot(now)
}

func pendingKey(param, timestepValue string) string {
	return param + "|" + timestepValue
}

func sameTuple(a, b Tuple) bool {
	if !a.Time.Equal(b.Time) || a.PoolSize != b.PoolSize || a.Capacity != b.Capacity || a.Strategy != b.Strategy {
		return false
	}
	if len(a.ActiveLayers) != len(b.ActiveLayers) {
		return false
	}
	for i, id := range a.ActiveLayers {
		if b.ActiveLayers[i] != id {
			return false
		}
	}
	return true
}

// OnInputChange implements steps 1-7 of spec §4.7.
func (s *Scheduler) OnInputChange(in Tuple) {
	if !IsValidStrategy(in.Strategy) {
		logrus.Warnf("scheduler: ignoring input change with unknown strategy %q", in.Strategy)
		return
	}
	if s.hasInput && sameTuple(s.lastTuple, in) {
		return // no-op tick (spec: "ignore no-op ticks")
	}
	s.hasInput = true
	s.lastTuple = in
	if in.Strategy != s.strategyName {
		s.strategyName = in.Strategy
		s.strategy = NewSortStrategy(in.Strategy)
	}

	var activeLayers []tile.LayerConfig
	for _, id := range in.ActiveLayers {
		if l, ok := s.layers[id]; ok {
			activeLayers = append(activeLayers, l)
		}
	}

	// Step 1.
	window, tasks := s.catalog.GetWindowTasks(in.Time, in.Capacity, activeLayers)

	windowSet := make(map[string]bool, len(window))
	for _, ts := range window {
		windowSet[ts.Value] = true
	}

	// Step 2: cancel in-flight work that fell out of the window.
	for id, inf := range s.inFlight {
		if windowSet[id.Timestep] {
			continue
		}
		inf.cancel()
		if inf.heldSlow {
			s.slowSem.Release(1)
		}
		delete(s.inFlight, id)
		s.abandonPendingSlot(id.Param, id.Timestep)
	}

	// Step 3: drop queued tasks that fell out of the window.
	kept := s.queue[:0]
	for _, t := range s.queue {
		if windowSet[t.Timestep.Value] {
			kept = append(kept, t)
		}
	}
	s.queue = kept

	// Step 4: merge new tasks, skipping identities already in-flight or queued.
	existing := make(map[tile.TaskID]bool, len(s.inFlight)+len(s.queue))
	for id := range s.inFlight {
		existing[id] = true
	}
	for _, t := range s.queue {
		existing[t.ID] = true
	}
	for _, t := range tasks {
		if existing[t.ID] {
			continue
		}
		s.queue = append(s.queue, t)
		existing[t.ID] = true
	}

	// Step 5.
	s.strategy(s.queue, in.Time)

	s.recomputeQueuedBytes()
	s.admit(in.Time, in.PoolSize)
	s.publishTelemetry(in.Time)
}

// abandonPendingSlot tears down a timestep's reserved slot when every
// in-flight slab task for it has been cancelled or dropped.
func (s *Scheduler) abandonPendingSlot(param, timestepValue string) {
	key := pendingKey(param, timestepValue)
	ps, ok := s.pendingSlots[key]
	if !ok {
		return
	}
	// Only tear down once no other in-flight task still references this
	// timestep (a multi-slab layer has one inflightTask per slab).
	for id := range s.inFlight {
		if id.Param == param && id.Timestep == timestepValue {
			return
		}
	}
	delete(s.pendingSlots, key)
	if pool, ok := s.pools[s.paramToLayer[param]]; ok {
		pool.AbortWrite(ps.handle)
	}
}

// recomputeQueuedBytes sets the queued-bytes estimate to the not-yet-admitted
// queue plus whatever admitted tasks still have left to download. It must
// not simply overwrite bytesQueued with the queue's total alone: by the
// time a genuine (non-no-op) OnInputChange call lands, RecordProgress may
// already have drained bytesQueued down as in-flight tasks made progress,
// and s.queue can be empty even while those downloads are still active.
// Overwriting with 0 in that case would incorrectly flip Status to idle
// while bytes are still streaming in (spec §4.7.2).
func (s *Scheduler) recomputeQueuedBytes() {
	var total int64
	for _, t := range s.queue {
		total += t.SizeEstimate
	}
	for _, inf := range s.inFlight {
		remaining := inf.task.SizeEstimate - inf.bytesSoFar
		if remaining > 0 {
			total += remaining
		}
	}
	s.stats.SetQueued(total)
}

// admit implements steps 6-7: walk the sorted queue, respecting the pool
// size cap and the slow-task concurrency cap, allocating a slot (with one
// eviction retry) for each task started.
func (s *Scheduler) admit(now time.Time, poolSize int) {
	var remaining []tile.Task
	for _, t := range s.queue {
		if len(s.inFlight) >= poolSize {
			remaining = append(remaining, t)
			continue
		}
		heldSlow := false
		if !t.IsFast {
			if !s.slowSem.TryAcquire(1) {
				remaining = append(remaining, t)
				continue
			}
			heldSlow = true
		}
		if s.startTask(now, t, heldSlow) {
			continue
		}
		if heldSlow {
			s.slowSem.Release(1)
		}
		remaining = append(remaining, t)
	}
	s.queue = remaining
}

// startTask allocates (or reuses) a slot for t's timestep and submits it
// to the worker pool, per step 7. heldSlow records whether the caller
// already reserved t's slot in the slow-task semaphore, so a failed
// allocation can release it back.
func (s *Scheduler) startTask(now time.Time, t tile.Task, heldSlow bool) bool {
	layerID, ok := s.paramToLayer[t.Param]
	if !ok {
		logrus.Warnf("scheduler: no layer configured for param %q", t.Param)
		return false
	}
	pool, ok := s.pools[layerID]
	if !ok {
		logrus.Warnf("scheduler: no slot pool configured for layer %q", layerID)
		return false
	}

	key := pendingKey(t.Param, t.Timestep.Value)
	ps, exists := s.pendingSlots[key]
	if !exists {
		handle, ok := pool.Allocate(t.Timestep)
		if !ok {
			if cand, found := pool.EvictionCandidate(now); found {
				pool.Dispose(cand)
				handle, ok = pool.Allocate(t.Timestep)
			}
		}
		if !ok {
			return false
		}
		layer := s.layers[layerID]
		ps = &pendingSlot{handle: handle, timestep: t.Timestep, param: t.Param, total: len(layer.Slabs)}
		s.pendingSlots[key] = ps
	}

	taskCtx, cancel := context.WithCancel(s.parentCtx)
	job := workerpool.Job{
		URL:    t.URL,
		Param:  t.OMParam,
		Slices: decoder.DefaultSlices,
		OnBytes: func(n int) {
			select {
			case s.progress <- ProgressEvent{TaskID: t.ID, Bytes: n}:
			default:
			}
		},
	}
	resultCh := s.workers.Fetch(taskCtx, job)
	s.inFlight[t.ID] = &inflightTask{task: t, cancel: cancel, heldSlow: heldSlow}

	go func(jobCtx context.Context, id tile.TaskID) {
		select {
		case res := <-resultCh:
			s.results <- TaskResult{TaskID: id, Output: res.Output, Err: res.Err}
		case <-jobCtx.Done():
			// Cooperative cancellation: the worker may still be mid-decode
			// and deliver nothing; drop any late reply rather than block.
		}
	}(taskCtx, t.ID)

	return true
}

// HandleResult processes one completed or failed task, writing its slab
// into the reserved slot and — once every slab of the timestep has
// landed — committing the slot and updating catalog availability. This
// is step 6's re-run trigger ("mark the slot fully populated, and re-run
// step 6"): after a successful write, HandleResult itself re-runs
// admission with the most recent input tuple's time and pool size.
func (s *Scheduler) HandleResult(res TaskResult) {
	inf, ok := s.inFlight[res.TaskID]
	if !ok {
		return // already cancelled and forgotten
	}
	delete(s.inFlight, res.TaskID)
	if inf.heldSlow {
		s.slowSem.Release(1)
	}

	key := pendingKey(res.TaskID.Param, res.TaskID.Timestep)
	ps := s.pendingSlots[key]
	if ps == nil {
		return // abandoned mid-flight
	}

	layerID := s.paramToLayer[res.TaskID.Param]
	pool := s.pools[layerID]

	if res.Err != nil {
		logrus.Warnf("scheduler: task %+v failed: %v", res.TaskID, res.Err)
		pool.AbortWrite(ps.handle)
		delete(s.pendingSlots, key)
		return
	}

	if err := pool.WriteSlab(ps.handle.Index, res.TaskID.SlabIndex, res.Output); err != nil {
		logrus.Warnf("scheduler: writing slab for %+v: %v", res.TaskID, err)
		pool.AbortWrite(ps.handle)
		delete(s.pendingSlots, key)
		return
	}
	ps.done++
	ps.bytes += inf.bytesSoFar
	s.stats.RecordCompressionSample(inf.bytesSoFar, inf.task.SizeEstimate)

	if ps.done >= ps.total {
		if err := pool.CommitWrite(ps.handle); err != nil {
			logrus.Warnf("scheduler: committing slot for %s/%s: %v", ps.param, ps.timestep.Value, err)
		} else {
			s.catalog.SetCached(ps.param, ps.timestep, ps.bytes)
			s.catalog.SetGPULoaded(ps.param, ps.timestep)
		}
		delete(s.pendingSlots, key)
	}

	if s.hasInput {
		s.admit(s.lastTuple.Time, s.lastTuple.PoolSize)
	}
}

// HandleProgress accounts bytes fetched for an in-flight task, feeding the
// rolling bandwidth window and per-task compression accounting.
func (s *Scheduler) HandleProgress(now time.Time, ev ProgressEvent) {
	if inf, ok := s.inFlight[ev.TaskID]; ok {
		inf.bytesSoFar += int64(ev.Bytes)
	}
	s.stats.RecordProgress(now, ev.Bytes)
}

func (s *Scheduler) publishTelemetry(now time.Time) {
	if s.metrics == nil {
		return
	}
	snap := s.stats.Snapshot(now)
	s.metrics.Publish(telemetry.QueueStatsView{
		BytesQueued:    snap.BytesQueued,
		BytesCompleted: snap.BytesCompleted,
		BytesPerSec:    snap.BytesPerSec,
		ETASeconds:     snap.ETASeconds,
	})
	s.metrics.PublishQueueDepth(len(s.queue) + len(s.inFlight))
	for id, pool := range s.pools {
		s.metrics.PublishSlots(string(id), pool.Len(), pool.Capacity())
	}
}
