package workerpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/omtest"
	"github.com/weatherglobe/tileengine/internal/workerpool"
)

// ctxAwareFetcher wraps a MemFetcher but respects context cancellation and
// can optionally delay or panic, for exercising abort/crash paths.
type ctxAwareFetcher struct {
	mem     *omtest.MemFetcher
	delay   time.Duration
	panicOn int32 // if >0, panics on the Nth call
	calls   int32
}

func (f *ctxAwareFetcher) FetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.panicOn > 0 && n == f.panicOn {
		panic("synthetic decode panic")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return f.mem.FetchRange(ctx, url, offset, size)
}

func (f *ctxAwareFetcher) FetchHead(ctx context.Context, url string) (int64, error) {
	return f.mem.FetchHead(ctx, url)
}

func buildFixture(t *testing.T, name string, n int) []byte {
	t.Helper()
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	data, err := omtest.Build([]omtest.DataVariable{{Name: name, Dims: []uint64{uint64(n)}, Values: values}})
	require.NoError(t, err)
	return data
}

func TestPool_FetchDecodesSuccessfully(t *testing.T) {
	data := buildFixture(t, "temp", 50)
	f := &ctxAwareFetcher{mem: &omtest.MemFetcher{Data: data}}
	p := workerpool.New(2, f)
	defer p.Shutdown()

	resCh := p.Fetch(context.Background(), workerpool.Job{URL: "fixture", Param: "temp", Slices: 2})
	res := <-resCh
	require.NoError(t, res.Err)
	require.Len(t, res.Output, 50)
	require.Equal(t, float32(0), res.Output[0])
	require.Equal(t, float32(49), res.Output[49])
}

func TestPool_AbortDiscardsResult(t *testing.T) {
	data := buildFixture(t, "temp", 50)
	f := &ctxAwareFetcher{mem: &omtest.MemFetcher{Data: data}, delay: 200 * time.Millisecond}
	p := workerpool.New(1, f)
	defer p.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	resCh := p.Fetch(ctx, workerpool.Job{URL: "fixture", Param: "temp", Slices: 1})
	cancel()

	select {
	case res, ok := <-resCh:
		if ok {
			require.Error(t, res.Err)
		}
	case <-time.After(2 * time.Second):
		// No reply is also an acceptable outcome: aborted jobs may
		// deliver nothing per spec's cooperative-cancellation semantics.
	}
}

func TestPool_WorkerCrashRespawns(t *testing.T) {
	data := buildFixture(t, "temp", 50)
	f := &ctxAwareFetcher{mem: &omtest.MemFetcher{Data: data}, panicOn: 1}
	p := workerpool.New(1, f)
	defer p.Shutdown()

	resCh := p.Fetch(context.Background(), workerpool.Job{URL: "fixture", Param: "temp", Slices: 1})
	res := <-resCh
	require.Error(t, res.Err)
	var crashed *workerpool.WorkerCrashed
	require.ErrorAs(t, res.Err, &crashed)

	// Pool respawned a replacement worker; a fresh job (fetcher no longer
	// panics) should succeed.
	resCh2 := p.Fetch(context.Background(), workerpool.Job{URL: "fixture", Param: "temp", Slices: 1})
	res2 := <-resCh2
	require.NoError(t, res2.Err)
	require.Len(t, res2.Output, 50)
}
