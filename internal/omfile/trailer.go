// Package omfile parses the trailer-anchored .om container format: a
// fixed-size trailer at EOF points at a root variable whose payload
// enumerates children (containers or data variables). Walking resolves a
// named variable and its dimensions for the chunk decoder (spec §4.2, §6.2).
//
// All offsets and sizes are file-relative and use 64-bit arithmetic
// throughout, per the format's own invariant.
package omfile

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/weatherglobe/tileengine/internal/fetch"
)

// trailerBytes is the fixed on-disk size of the trailer: two u64 LE fields.
const trailerBytes = 16

// TrailerSize reports the fixed trailer size in bytes.
func TrailerSize() int64 { return trailerBytes }

const (
	kindContainer byte = 0
	kindData      byte = 1
)

// Variable is a bound handle to one node of the variable tree: either a
// container (has children, no dimensions) or a data variable (has
// dimensions and a decode cube, no children).
type Variable struct {
	Kind      byte
	NameStr   string
	Children  []childSpan // only populated for containers
	Dims      []uint64    // only populated for data variables
	IndexOff  uint64
	IndexSize uint64
	DataOff   uint64
	DataSize  uint64
}

type childSpan struct {
	Offset uint64
	Size   uint64
}

// VariableNotFound is returned when Walk cannot locate the target name
// among a container's children.
type VariableNotFound struct {
	Name      string
	Available []string
}

func (e *VariableNotFound) Error() string {
	return fmt.Sprintf("omfile: variable %q not found, available: %v", e.Name, e.Available)
}

// ReadTrailer fetches the trailer and returns (rootOffset, rootSize).
func ReadTrailer(ctx context.Context, f fetch.RangeFetcher, url string) (uint64, uint64, error) {
	total, err := f.FetchHead(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	if total < trailerBytes {
		return 0, 0, fmt.Errorf("omfile: file too small for trailer: %d bytes", total)
	}
	buf, err := f.FetchRange(ctx, url, total-trailerBytes, trailerBytes)
	if err != nil {
		return 0, 0, err
	}
	rootOffset := binary.LittleEndian.Uint64(buf[0:8])
	rootSize := binary.LittleEndian.Uint64(buf[8:16])
	return rootOffset, rootSize, nil
}

// readVariable fetches and parses the variable blob at [offset, offset+size).
func readVariable(ctx context.Context, f fetch.RangeFetcher, url string, offset, size uint64) (*Variable, error) {
	buf, err := f.FetchRange(ctx, url, int64(offset), int64(size))
	if err != nil {
		return nil, err
	}
	return parseVariable(buf)
}

func parseVariable(buf []byte) (*Variable, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("omfile: empty variable blob")
	}
	v := &Variable{Kind: buf[0]}
	pos := 1

	if pos+2 > len(buf) {
		return nil, fmt.Errorf("omfile: truncated variable blob (name length)")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if pos+nameLen > len(buf) {
		return nil, fmt.Errorf("omfile: truncated variable blob (name)")
	}
	v.NameStr = string(buf[pos : pos+nameLen])
	pos += nameLen

	if pos+4 > len(buf) {
		return nil, fmt.Errorf("omfile: truncated variable blob (child count)")
	}
	childCount := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	if v.Kind == kindContainer {
		v.Children = make([]childSpan, childCount)
		for i := 0; i < childCount; i++ {
			if pos+16 > len(buf) {
				return nil, fmt.Errorf("omfile: truncated variable blob (child %d)", i)
			}
			v.Children[i] = childSpan{
				Offset: binary.LittleEndian.Uint64(buf[pos : pos+8]),
				Size:   binary.LittleEndian.Uint64(buf[pos+8 : pos+16]),
			}
			pos += 16
		}
		return v, nil
	}

	// Data variable: dimensions, then index/data spans.
	if pos+4 > len(buf) {
		return nil, fmt.Errorf("omfile: truncated variable blob (dim count)")
	}
	dimCount := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	v.Dims = make([]uint64, dimCount)
	for i := 0; i < dimCount; i++ {
		if pos+8 > len(buf) {
			return nil, fmt.Errorf("omfile: truncated variable blob (dim %d)", i)
		}
		v.Dims[i] = binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}
	if pos+32 > len(buf) {
		return nil, fmt.Errorf("omfile: truncated variable blob (index/data spans)")
	}
	v.IndexOff = binary.LittleEndian.Uint64(buf[pos : pos+8])
	v.IndexSize = binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
	v.DataOff = binary.LittleEndian.Uint64(buf[pos+16 : pos+24])
	v.DataSize = binary.LittleEndian.Uint64(buf[pos+24 : pos+32])
	return v, nil
}

// ChildrenCount returns the number of children of a container variable.
func (v *Variable) ChildrenCount() int { return len(v.Children) }

// ChildAt returns the (offset, size) span of the i-th child.
func (v *Variable) ChildAt(i int) (uint64, uint64) {
	c := v.Children[i]
	return c.Offset, c.Size
}

// Name returns the variable's name.
func (v *Variable) Name() string { return v.NameStr }

// DimensionsCount returns the number of dimensions (0 for containers).
func (v *Variable) DimensionsCount() int { return len(v.Dims) }

// Dimensions returns the dimension extents (nil for containers).
func (v *Variable) Dimensions() []uint64 { return v.Dims }

// Walk starts at the root variable and locates a named data variable among
// the root's immediate children. It fetches the child-descriptor region in
// a single ranged read (the root blob itself), then iterates children by
// name.
func Walk(ctx context.Context, f fetch.RangeFetcher, url string, target string) (*Variable, error) {
	rootOffset, rootSize, err := ReadTrailer(ctx, f, url)
	if err != nil {
		return nil, err
	}
	root, err := readVariable(ctx, f, url, rootOffset, rootSize)
	if err != nil {
		return nil, err
	}

	var available []string
	for i := 0; i < root.ChildrenCount(); i++ {
		off, size := root.ChildAt(i)
		child, err := readVariable(ctx, f, url, off, size)
		if err != nil {
			return nil, err
		}
		available = append(available, child.Name())
		if child.Name() == target {
			return child, nil
		}
	}
	return nil, &VariableNotFound{Name: target, Available: available}
}
