// Package slotpool owns one fixed-size ring of GPU-resident slab buffers
// per layer, handing fully-decoded timesteps off to the render layer and
// evicting the timestep farthest from the current reference time when the
// ring is full (spec §4.6).
package slotpool

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weatherglobe/tileengine/internal/tile"
)

// BufferHandle is an opaque reference to one GPU-side slab buffer, owned
// by the out-of-scope render layer.
type BufferHandle interface{}

// BufferFactory is the seam into the render layer's GPU buffer lifecycle.
type BufferFactory interface {
	Create(sizeBytes int64) (BufferHandle, error)
	Destroy(BufferHandle)
}

// Slot holds one timestep's worth of per-slab buffers.
type Slot struct {
	Timestep    tile.Timestep
	Buffers     []BufferHandle
	writing     bool  // true between BeginWrite and CommitWrite/AbortWrite
	writtenMask []int // slab indices written so far, for CommitWrite's completeness check
}

// SlotHandle is returned to the caller on successful BeginWrite/Allocate;
// it carries only the timestep and slot index, not the *Slot itself, so
// callers cannot mutate pool bookkeeping fields.
type SlotHandle struct {
	Timestep tile.Timestep
	Index    int
}

// Pool is a fixed ring of `capacity` slots for one layer. All slabs of a
// layer's tile share one slot so a timestep is evicted as a unit.
type Pool struct {
	Layer    tile.LayerConfig
	capacity int
	free     []int
	byIndex  []*Slot          // index -> slot (nil if free)
	slots    map[string]*Slot // timestep value -> slot
	buffers  BufferFactory

	onUnload func(ts tile.Timestep)
}

// New builds a Pool of capacity slots for layer, using factory to
// create/destroy per-slab GPU buffers. onUnload, if non-nil, is invoked
// whenever a timestep leaves the pool (eviction, Dispose, or shrink) so
// the catalog can clear its GPU-resident flag.
func New(layer tile.LayerConfig, capacity int, factory BufferFactory, onUnload func(tile.Timestep)) *Pool {
	p := &Pool{
		Layer:    layer,
		capacity: capacity,
		byIndex:  make([]*Slot, capacity),
		slots:    make(map[string]*Slot, capacity),
		buffers:  factory,
		onUnload: onUnload,
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, i)
	}
	return p
}

// Capacity returns the number of slots in the ring.
func (p *Pool) Capacity() int { return p.capacity }

// Len returns the number of occupied slots.
func (p *Pool) Len() int { return len(p.slots) }

// Lookup returns the slot for ts, if resident.
func (p *Pool) Lookup(ts tile.Timestep) (*Slot, bool) {
	s, ok := p.slots[ts.Value]
	return s, ok
}

// BeginWrite reserves a free slot index for ts without yet making it
// visible to Lookup, so a multi-slab decode can fail partway through
// without ever exposing a half-written timestep (spec §9 open question
// (a): all-or-nothing per timestep).
func (p *Pool) BeginWrite(ts tile.Timestep) (*SlotHandle, error) {
	if _, ok := p.slots[ts.Value]; ok {
		return nil, fmt.Errorf("slotpool: timestep %s already resident", ts.Value)
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("slotpool: no free slot for %s", ts.Value)
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	slot := &Slot{
		Timestep: ts,
		Buffers:  make([]BufferHandle, len(p.Layer.Slabs)),
		writing:  true,
	}
	for i, slab := range p.Layer.Slabs {
		buf, err := p.buffers.Create(slab.SizeBytes)
		if err != nil {
			p.rollbackPartial(slot, idx)
			return nil, fmt.Errorf("slotpool: creating buffer for slab %q: %w", slab.Name, err)
		}
		slot.Buffers[i] = buf
	}
	p.byIndex[idx] = slot
	return &SlotHandle{Timestep: ts, Index: idx}, nil
}

func (p *Pool) rollbackPartial(slot *Slot, idx int) {
	for _, buf := range slot.Buffers {
		if buf != nil {
			p.buffers.Destroy(buf)
		}
	}
	p.free = append(p.free, idx)
}

// WriteSlab records the slabIndex-th buffer of the reserved slot at
// slotIndex as written. It does not copy or upload data: data is
// discarded, and the buffer contents are left to the render layer that
// owns the GPU upload.
func (p *Pool) WriteSlab(slotIndex, slabIndex int, data []float32) error {
	slot := p.byIndex[slotIndex]
	if slot == nil {
		return fmt.Errorf("slotpool: slot %d is not reserved", slotIndex)
	}
	if slabIndex < 0 || slabIndex >= len(slot.Buffers) {
		return fmt.Errorf("slotpool: slab index %d out of range for layer %s", slabIndex, p.Layer.ID)
	}
	// The actual upload target (slot.Buffers[slabIndex]) is owned by the
	// render layer via BufferFactory; this call's role in the engine is
	// solely to mark the slab as written for CommitWrite's completeness
	// check.
	slot.writtenMask = append(slot.writtenMask, slabIndex)
	_ = data
	return nil
}

// CommitWrite makes the slot visible to Lookup once every slab has been
// written, and registers it in the timestep index.
func (p *Pool) CommitWrite(handle *SlotHandle) error {
	slot := p.byIndex[handle.Index]
	if slot == nil || !slot.writing {
		return fmt.Errorf("slotpool: no pending write for slot %d", handle.Index)
	}
	if len(slot.writtenMask) != len(slot.Buffers) {
		return fmt.Errorf("slotpool: incomplete write for %s: %d/%d slabs", slot.Timestep.Value, len(slot.writtenMask), len(slot.Buffers))
	}
	slot.writing = false
	p.slots[slot.Timestep.Value] = slot
	return nil
}

// AbortWrite tears down a partially-written slot and frees it, per the
// all-or-nothing-per-timestep rule.
func (p *Pool) AbortWrite(handle *SlotHandle) {
	slot := p.byIndex[handle.Index]
	if slot == nil {
		return
	}
	p.rollbackPartial(slot, handle.Index)
	p.byIndex[handle.Index] = nil
}

// Allocate is BeginWrite reporting failure as ok=false instead of an
// error: it reserves a slot for ts that stays invisible to Lookup until
// CommitWrite. It fails when ts is already resident or no slot is free.
func (p *Pool) Allocate(ts tile.Timestep) (*SlotHandle, bool) {
	h, err := p.BeginWrite(ts)
	if err != nil {
		logrus.Debugf("slotpool: allocate %s failed: %v", ts.Value, err)
		return nil, false
	}
	return h, true
}

// Dispose evicts ts's slot, destroying its buffers and returning the slot
// index to the free list.
func (p *Pool) Dispose(ts tile.Timestep) {
	slot, ok := p.slots[ts.Value]
	if !ok {
		return
	}
	idx := p.indexOf(slot)
	delete(p.slots, ts.Value)
	if idx >= 0 {
		p.byIndex[idx] = nil
		p.free = append(p.free, idx)
	}
	for _, buf := range slot.Buffers {
		p.buffers.Destroy(buf)
	}
	if p.onUnload != nil {
		p.onUnload(ts)
	}
}

func (p *Pool) indexOf(slot *Slot) int {
	for i, s := range p.byIndex {
		if s == slot {
			return i
		}
	}
	return -1
}

// EvictionCandidate returns the resident timestep farthest from
// reference, with ties broken by the maximum (lexicographically latest)
// Timestep.Value per spec.md §9 open question (c). ok is false when the
// pool holds nothing.
func (p *Pool) EvictionCandidate(reference time.Time) (tile.Timestep, bool) {
	if len(p.slots) == 0 {
		return tile.Timestep{}, false
	}
	type scored struct {
		ts   tile.Timestep
		dist time.Duration
	}
	var candidates []scored
	for _, slot := range p.slots {
		t, err := slot.Timestep.ToTime()
		if err != nil {
			continue
		}
		d := t.Sub(reference)
		if d < 0 {
			d = -d
		}
		candidates = append(candidates, scored{ts: slot.Timestep, dist: d})
	}
	if len(candidates) == 0 {
		return tile.Timestep{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist > candidates[j].dist
		}
		return candidates[i].ts.Value > candidates[j].ts.Value
	})
	return candidates[0].ts, true
}

// Resize grows or shrinks the ring. Growing extends the free list in
// place, preserving every resident mapping. Shrinking destroys every
// resident slot's buffers and resets the pool empty, since there is no
// principled way to decide which timesteps to keep without re-running
// scheduling (spec §4.6).
func (p *Pool) Resize(newCapacity int) error {
	if newCapacity < 0 {
		return fmt.Errorf("slotpool: negative capacity %d", newCapacity)
	}
	if newCapacity >= p.capacity {
		for i := p.capacity; i < newCapacity; i++ {
			p.byIndex = append(p.byIndex, nil)
			p.free = append(p.free, i)
		}
		p.capacity = newCapacity
		return nil
	}

	for _, slot := range p.byIndex {
		if slot == nil {
			continue
		}
		for _, buf := range slot.Buffers {
			p.buffers.Destroy(buf)
		}
		if p.onUnload != nil {
			p.onUnload(slot.Timestep)
		}
	}
	p.capacity = newCapacity
	p.byIndex = make([]*Slot, newCapacity)
	p.slots = make(map[string]*Slot, newCapacity)
	p.free = p.free[:0]
	for i := 0; i < newCapacity; i++ {
		p.free = append(p.free, i)
	}
	return nil
}
