// Package workerpool owns N parallel decode workers, each holding its own
// decoder instance, and dispatches per-file jobs with cancellation and
// crash recovery (spec §4.4). The orchestrator (internal/scheduler) keeps
// its bookkeeping single-threaded; apart from the scheduler's per-job
// result forwarders, the decode goroutines are spawned here (spec §5).
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weatherglobe/tileengine/internal/decoder"
	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/omfile"
)

// JobID uniquely identifies an in-flight job for cancellation/crash bookkeeping.
type JobID uint64

// WorkerCrashed is delivered to a job's result channel when its assigned
// worker panics mid-decode.
type WorkerCrashed struct {
	JobID JobID
}

func (e *WorkerCrashed) Error() string {
	return fmt.Sprintf("workerpool: worker handling job %d crashed", e.JobID)
}

// Job is one decode request submitted to the pool.
type Job struct {
	ID      JobID
	URL     string
	Param   string
	Slices  int
	OnSlice func(decoder.SliceProgress)
	OnBytes func(int)
}

// Result is delivered once per job, on success or failure.
type Result struct {
	JobID  JobID
	Output []float32
	Err    error
}

// Pool owns P workers that share one RangeFetcher and build a fresh
// decoder for each job.
// The pool keeps three conceptual lists: idle workers, active
// (jobID->worker) assignments, and a FIFO queue of jobs waiting for a
// worker.
type Pool struct {
	mu      sync.Mutex
	fetcher fetch.RangeFetcher
	jobs    chan *pendingJob
	nextID  uint64
	active  map[JobID]context.CancelFunc

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

type pendingJob struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
	result chan Result
}

// New starts a pool of size workers, size in [1,16]. Each worker runs its
// own goroutine, resolving variables and decoding chunks sequentially
// within its own job.
func New(size int, f fetch.RangeFetcher) *Pool {
	if size < 1 {
		size = 1
	}
	if size > 16 {
		size = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	p := &Pool{
		fetcher: f,
		jobs:    make(chan *pendingJob, 4096),
		active:  make(map[JobID]context.CancelFunc),
		eg:      eg,
		egCtx:   egCtx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.spawn(i)
	}
	return p
}

// spawn starts (or respawns) one worker goroutine that pulls jobs off the
// shared channel until the pool is shut down. A panic inside a job is
// recovered, rejects that job with WorkerCrashed, and respawns a
// replacement worker in its place (spec §4.4).
func (p *Pool) spawn(workerIdx int) {
	p.eg.Go(func() error {
		for {
			select {
			case <-p.egCtx.Done():
				return nil
			case pj, ok := <-p.jobs:
				if !ok {
					return nil
				}
				if p.runJob(workerIdx, pj) {
					// This goroutine crashed mid-job: its replacement is
					// spawned here, and this one exits rather than looping
					// back to serve another job, so a crash swaps one
					// goroutine for another instead of adding one.
					p.spawn(workerIdx)
					return nil
				}
			}
		}
	})
}

// runJob runs one job to completion and reports whether its worker
// crashed (panicked). On crash the caller must stop looping — this
// goroutine is done — and spawn a replacement itself.
func (p *Pool) runJob(workerIdx int, pj *pendingJob) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("workerpool: worker %d crashed on job %d: %v", workerIdx, pj.job.ID, r)
			p.mu.Lock()
			delete(p.active, pj.job.ID)
			p.mu.Unlock()
			pj.result <- Result{JobID: pj.job.ID, Err: &WorkerCrashed{JobID: pj.job.ID}}
			crashed = true
		}
	}()

	out, err := p.decode(pj.ctx, pj.job)

	p.mu.Lock()
	delete(p.active, pj.job.ID)
	p.mu.Unlock()

	if pj.ctx.Err() != nil {
		// Aborted: cooperative cancellation, discard late replies.
		return false
	}
	pj.result <- Result{JobID: pj.job.ID, Output: out, Err: err}
	return false
}

func (p *Pool) decode(ctx context.Context, job Job) ([]float32, error) {
	v, err := omfile.Walk(ctx, p.fetcher, job.URL, job.Param)
	if err != nil {
		return nil, err
	}
	d, err := decoder.New(v)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.DiscoverAndFetch(ctx, p.fetcher, job.URL, job.Slices, job.OnSlice, job.OnBytes)
}

// Fetch submits a job and returns a channel that receives at most one
// Result: one on success, failure or worker crash, none once the job's
// context has been cancelled. Cancel the passed context to abort
// cooperatively; the worker finishes its current iterator boundary check
// and drops its reply.
func (p *Pool) Fetch(ctx context.Context, job Job) <-chan Result {
	p.mu.Lock()
	p.nextID++
	job.ID = JobID(p.nextID)
	jobCtx, cancel := context.WithCancel(ctx)
	p.active[job.ID] = cancel
	p.mu.Unlock()

	result := make(chan Result, 1)
	pj := &pendingJob{job: job, ctx: jobCtx, cancel: cancel, result: result}

	select {
	case p.jobs <- pj:
	default:
		// Queue is effectively unbounded in practice (4096 deep); a full
		// queue here means the caller is badly over-submitting.
		p.jobs <- pj
	}
	return result
}

// Abort cancels an in-flight job by ID, if still active.
func (p *Pool) Abort(id JobID) {
	p.mu.Lock()
	cancel, ok := p.active[id]
	if ok {
		delete(p.active, id)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown stops all workers and waits for them to drain.
func (p *Pool) Shutdown() error {
	p.cancel()
	close(p.jobs)
	return p.eg.Wait()
}
