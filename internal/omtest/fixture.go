// Package omtest builds synthetic .om byte streams and an in-memory
// fetch.RangeFetcher over them, for round-trip testing of internal/omfile
// and internal/decoder without a real object store.
package omtest

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/weatherglobe/tileengine/internal/decoder"
	"github.com/weatherglobe/tileengine/internal/fetch"
)

// MemFetcher serves ranged reads out of an in-memory byte slice.
type MemFetcher struct {
	Data []byte
}

func (m *MemFetcher) FetchRange(_ context.Context, _ string, offset, size int64) ([]byte, error) {
	return append([]byte(nil), m.Data[offset:offset+size]...), nil
}

func (m *MemFetcher) FetchHead(_ context.Context, _ string) (int64, error) {
	return int64(len(m.Data)), nil
}

var _ fetch.RangeFetcher = (*MemFetcher)(nil)

const (
	kindContainer byte = 0
	kindData      byte = 1
)

func putU16(buf []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(buf, v) }
func putU32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }
func putU64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }

func encodeName(buf []byte, name string) []byte {
	buf = putU16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf
}

// DataVariable describes one variable to embed in a built fixture.
type DataVariable struct {
	Name   string
	Dims   []uint64
	Values []float32 // len must equal product(Dims)
}

// Build encodes a fixture file with a root container holding one data
// variable per entry in vars, plus a trailer. It returns the full byte
// stream.
func Build(vars []DataVariable) ([]byte, error) {
	var file []byte
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	type built struct {
		offset, size uint64
	}
	children := make([]built, len(vars))

	for vi, dv := range vars {
		total := 1
		for _, d := range dv.Dims {
			total *= int(d)
		}
		numChunks := (total + decoder.ChunkSize - 1) / decoder.ChunkSize

		// Lay out data chunks first so we know their offsets, then the
		// index table, then the variable header; finally record spans.
		var dataBytes []byte
		chunkLens := make([]uint32, numChunks)
		for c := 0; c < numChunks; c++ {
			start := c * decoder.ChunkSize
			end := start + decoder.ChunkSize
			if end > total {
				end = total
			}
			raw := make([]byte, 0, (end-start)*4)
			for _, v := range dv.Values[start:end] {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
			}
			compressed := enc.EncodeAll(raw, nil)
			chunkLens[c] = uint32(len(compressed))
			dataBytes = append(dataBytes, compressed...)
		}

		dataOff := uint64(len(file))
		file = append(file, dataBytes...)

		indexOff := uint64(len(file))
		var indexBytes []byte
		for _, l := range chunkLens {
			indexBytes = putU32(indexBytes, l)
		}
		file = append(file, indexBytes...)

		var hdr []byte
		hdr = append(hdr, kindData)
		hdr = encodeName(hdr, dv.Name)
		hdr = putU32(hdr, 0) // childCount
		hdr = putU32(hdr, uint32(len(dv.Dims)))
		for _, d := range dv.Dims {
			hdr = putU64(hdr, d)
		}
		hdr = putU64(hdr, indexOff)
		hdr = putU64(hdr, uint64(len(indexBytes)))
		hdr = putU64(hdr, dataOff)
		hdr = putU64(hdr, uint64(len(dataBytes)))

		varOff := uint64(len(file))
		file = append(file, hdr...)
		children[vi] = built{offset: varOff, size: uint64(len(hdr))}
	}

	// Root container.
	var root []byte
	root = append(root, kindContainer)
	root = encodeName(root, "")
	root = putU32(root, uint32(len(children)))
	for _, c := range children {
		root = putU64(root, c.offset)
		root = putU64(root, c.size)
	}
	rootOffset := uint64(len(file))
	file = append(file, root...)
	rootSize := uint64(len(root))

	// Trailer.
	file = putU64(file, rootOffset)
	file = putU64(file, rootSize)

	return file, nil
}
