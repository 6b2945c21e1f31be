package slotpool_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/slotpool"
	"github.com/weatherglobe/tileengine/internal/tile"
)

// fakeBuffers is an in-memory BufferFactory test double that just counts
// live allocations, standing in for the out-of-scope GPU buffer layer.
type fakeBuffers struct {
	live  map[int]int64
	nextI int
}

func newFakeBuffers() *fakeBuffers { return &fakeBuffers{live: make(map[int]int64)} }

func (f *fakeBuffers) Create(size int64) (slotpool.BufferHandle, error) {
	f.nextI++
	id := f.nextI
	f.live[id] = size
	return id, nil
}

func (f *fakeBuffers) Destroy(h slotpool.BufferHandle) {
	delete(f.live, h.(int))
}

func testLayer(slabCount int) tile.LayerConfig {
	slabs := make([]tile.SlabConfig, slabCount)
	params := make([]string, slabCount)
	for i := range slabs {
		slabs[i] = tile.SlabConfig{Name: fmt.Sprintf("slab%d", i), SizeBytes: 1024}
		params[i] = fmt.Sprintf("slab%d", i)
	}
	return tile.LayerConfig{ID: "wind", Param: "wind", OMParams: params, Slabs: slabs}
}

func ts(value string) tile.Timestep {
	return tile.Timestep{Value: value}
}

func TestPool_AllocateAndDispose(t *testing.T) {
	bufs := newFakeBuffers()
	var unloaded []tile.Timestep
	p := slotpool.New(testLayer(1), 2, bufs, func(t tile.Timestep) { unloaded = append(unloaded, t) })

	h, ok := p.Allocate(ts("2026-07-31T0000"))
	require.True(t, ok)
	require.NoError(t, p.WriteSlab(h.Index, 0, []float32{1, 2, 3}))
	require.NoError(t, p.CommitWrite(h))

	_, found := p.Lookup(ts("2026-07-31T0000"))
	require.True(t, found)
	require.Equal(t, 1, p.Len())
	require.Len(t, bufs.live, 1)

	p.Dispose(ts("2026-07-31T0000"))
	require.Equal(t, 0, p.Len())
	require.Empty(t, bufs.live)
	require.Equal(t, []tile.Timestep{ts("2026-07-31T0000")}, unloaded)
}

func TestPool_BeginWrite_RejectsWhenFull(t *testing.T) {
	bufs := newFakeBuffers()
	p := slotpool.New(testLayer(1), 1, bufs, nil)

	h1, err := p.BeginWrite(ts("2026-07-31T0000"))
	require.NoError(t, err)
	require.NoError(t, p.WriteSlab(h1.Index, 0, nil))
	require.NoError(t, p.CommitWrite(h1))

	_, err = p.BeginWrite(ts("2026-07-31T0100"))
	require.Error(t, err)
}

func TestPool_AbortWrite_TearsDownPartialSlot(t *testing.T) {
	bufs := newFakeBuffers()
	p := slotpool.New(testLayer(2), 1, bufs, nil)

	h, err := p.BeginWrite(ts("2026-07-31T0000"))
	require.NoError(t, err)
	require.Len(t, bufs.live, 2) // both slab buffers created eagerly

	p.AbortWrite(h)
	require.Empty(t, bufs.live)

	// Slot freed: a fresh write for a different timestep should succeed.
	h2, err := p.BeginWrite(ts("2026-07-31T0100"))
	require.NoError(t, err)
	require.Equal(t, h.Index, h2.Index)
}

func TestPool_CommitWrite_FailsIfIncomplete(t *testing.T) {
	bufs := newFakeBuffers()
	p := slotpool.New(testLayer(2), 1, bufs, nil)

	h, err := p.BeginWrite(ts("2026-07-31T0000"))
	require.NoError(t, err)
	require.NoError(t, p.WriteSlab(h.Index, 0, []float32{1}))
	// slab 1 never written
	err = p.CommitWrite(h)
	require.Error(t, err)
}

func TestPool_EvictionCandidate_PicksFarthestWithMaxTiebreak(t *testing.T) {
	bufs := newFakeBuffers()
	p := slotpool.New(testLayer(1), 3, bufs, nil)

	for _, v := range []string{"2026-07-31T0000", "2026-07-31T0600", "2026-07-31T1200"} {
		h, err := p.BeginWrite(ts(v))
		require.NoError(t, err)
		require.NoError(t, p.WriteSlab(h.Index, 0, nil))
		require.NoError(t, p.CommitWrite(h))
	}

	reference, err := time.Parse(tile.TimeLayout, "2026-07-31T0600")
	require.NoError(t, err)
	candidate, ok := p.EvictionCandidate(reference)
	require.True(t, ok)
	// 0000 and 1200 are equidistant (6h); max-timestep tiebreak picks 1200.
	require.Equal(t, "2026-07-31T1200", candidate.Value)
}

func TestPool_Resize_GrowPreservesResidents(t *testing.T) {
	bufs := newFakeBuffers()
	p := slotpool.New(testLayer(1), 1, bufs, nil)
	h, err := p.BeginWrite(ts("2026-07-31T0000"))
	require.NoError(t, err)
	require.NoError(t, p.WriteSlab(h.Index, 0, nil))
	require.NoError(t, p.CommitWrite(h))

	require.NoError(t, p.Resize(3))
	require.Equal(t, 3, p.Capacity())
	_, found := p.Lookup(ts("2026-07-31T0000"))
	require.True(t, found)

	_, err = p.BeginWrite(ts("2026-07-31T0100"))
	require.NoError(t, err)
}

func TestPool_Resize_ShrinkDestroysAllAndUnloads(t *testing.T) {
	bufs := newFakeBuffers()
	var unloaded []string
	p := slotpool.New(testLayer(1), 2, bufs, func(t tile.Timestep) { unloaded = append(unloaded, t.Value) })

	for _, v := range []string{"2026-07-31T0000", "2026-07-31T0100"} {
		h, err := p.BeginWrite(ts(v))
		require.NoError(t, err)
		require.NoError(t, p.WriteSlab(h.Index, 0, nil))
		require.NoError(t, p.CommitWrite(h))
	}

	require.NoError(t, p.Resize(1))
	require.Equal(t, 0, p.Len())
	require.Empty(t, bufs.live)
	require.ElementsMatch(t, []string{"2026-07-31T0000", "2026-07-31T0100"}, unloaded)
}
