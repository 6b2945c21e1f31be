// Package decoder drives the chunk decoder over a .om data variable: an
// internal index-read iterator plans the reads of the index block, then
// the data region is fetched in contiguous slices and every chunk is
// decoded into a cube of float32 values (spec §4.3). There is no
// data-read iterator, and neither read sequence is exported; callers use
// DiscoverAndFetch.
package decoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/omfile"
)

const (
	// ChunkSize is the number of float32 elements per compressed chunk.
	ChunkSize = 2048
	// IOSize is the default byte granularity of a single ranged read.
	IOSize = 65536
	// DefaultSlices is the number of equal-width contiguous data reads
	// issued in the second (fetch) pass.
	DefaultSlices = 10
)

// DecodeError is returned when the decompressor fails on a chunk.
type DecodeError struct {
	Code   int
	Offset int64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoder: decode failed (code %d) at offset %d", e.Code, e.Offset)
}

// IndexRead is one step of the index-read iterator: a byte range of the
// index block to fetch.
type IndexRead struct {
	Offset int64
	Count  int64
}

// DataRead is one step of the data-read iterator: a byte range of the data
// region, plus the chunk bookkeeping needed to decode it.
type DataRead struct {
	Offset      int64
	Count       int64
	FirstChunk  int
	ChunkOffset []int64 // absolute file offset of each covered chunk
	ChunkLen    []int64 // compressed length of each covered chunk
}

// SliceProgress reports second-pass fetch progress.
type SliceProgress struct {
	SliceIndex  int
	TotalSlices int
	Done        bool
	Output      []float32 // only set when Done
}

// Decoder drives index/data iteration and chunk decoding for one data
// variable. One Decoder is created per worker per file (spec §4.4): it
// owns a reusable zstd decoder instance and a scratch buffer held for the
// file's lifetime.
type Decoder struct {
	variable *omfile.Variable

	totalElements int64
	numChunks     int64
	chunkSize     int64
	ioSize        int64

	indexOff  int64
	indexSize int64
	dataOff   int64
	dataSize  int64

	scratch []byte
	zr      *zstd.Decoder
}

// New builds a Decoder bound to variable v. Returns an error if v is not a
// data variable or its index layout is inconsistent.
func New(v *omfile.Variable) (*Decoder, error) {
	if v.DimensionsCount() == 0 {
		return nil, fmt.Errorf("decoder: %q is not a data variable", v.Name())
	}
	total := int64(1)
	for _, d := range v.Dimensions() {
		total *= int64(d)
	}
	numChunks := (total + ChunkSize - 1) / ChunkSize
	if int64(v.IndexSize) != numChunks*4 {
		return nil, fmt.Errorf("decoder: %q index size %d inconsistent with %d chunks", v.Name(), v.IndexSize, numChunks)
	}
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("decoder: creating zstd reader: %w", err)
	}
	return &Decoder{
		variable:      v,
		totalElements: total,
		numChunks:     numChunks,
		chunkSize:     ChunkSize,
		ioSize:        IOSize,
		indexOff:      int64(v.IndexOff),
		indexSize:     int64(v.IndexSize),
		dataOff:       int64(v.DataOff),
		dataSize:      int64(v.DataSize),
		scratch:       make([]byte, IOSize),
		zr:            zr,
	}, nil
}

// ScratchSize returns the read-buffer scratch size held for the file's
// lifetime (spec §4.3).
func (d *Decoder) ScratchSize() int64 { return int64(len(d.scratch)) }

// Close releases the decoder's zstd resources.
func (d *Decoder) Close() { d.zr.Close() }

// indexReadIter yields successive byte ranges of the index block until
// none remain.
type indexReadIter struct {
	d   *Decoder
	pos int64
}

func newIndexReadIter(d *Decoder) *indexReadIter { return &indexReadIter{d: d} }

func (it *indexReadIter) Next() (IndexRead, bool) {
	d := it.d
	if it.pos >= d.indexSize {
		return IndexRead{}, false
	}
	remain := d.indexSize - it.pos
	count := d.ioSize
	if count > remain {
		count = remain
	}
	r := IndexRead{Offset: d.indexOff + it.pos, Count: count}
	it.pos += count
	return r, true
}

// DiscoverAndFetch runs the full two-pass decode: a discovery pass that
// reads the index blocks and computes chunk offsets, and a fetch pass that
// reads the data region in `slices` contiguous slices (DefaultSlices when
// slices <= 0) and decodes every chunk. onSlice/onBytes mirror the per-task progress events of
// spec §4.3.
func (d *Decoder) DiscoverAndFetch(
	ctx context.Context,
	f fetch.RangeFetcher,
	url string,
	slices int,
	onSlice func(SliceProgress),
	onBytes func(int),
) ([]float32, error) {
	if slices <= 0 {
		slices = DefaultSlices
	}

	// Discovery pass: read the whole index (usually small) and compute
	// each chunk's absolute offset and length.
	indexBytes := make([]byte, 0, d.indexSize)
	it := newIndexReadIter(d)
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		buf, err := f.FetchRange(ctx, url, r.Offset, r.Count)
		if err != nil {
			return nil, err
		}
		indexBytes = append(indexBytes, buf...)
	}
	if int64(len(indexBytes)) != d.indexSize {
		return nil, &DecodeError{Code: -1, Offset: d.indexOff}
	}

	chunkLen := make([]int64, d.numChunks)
	chunkOff := make([]int64, d.numChunks)
	cursor := d.dataOff
	for i := int64(0); i < d.numChunks; i++ {
		l := int64(binary.LittleEndian.Uint32(indexBytes[i*4 : i*4+4]))
		chunkLen[i] = l
		chunkOff[i] = cursor
		cursor += l
	}
	if cursor-d.dataOff != d.dataSize {
		return nil, &DecodeError{Code: -2, Offset: d.dataOff}
	}
	if d.numChunks == 0 {
		return []float32{}, nil
	}
	minOffset := chunkOff[0]
	maxEnd := chunkOff[d.numChunks-1] + chunkLen[d.numChunks-1]
	span := maxEnd - minOffset

	// Fetch pass: split [minOffset, maxEnd) into `slices` equal-width
	// contiguous ranges and assemble a resident buffer.
	resident := make([]byte, span)
	width := span / int64(slices)
	if width == 0 {
		width = span
		slices = 1
	}
	pos := int64(0)
	for s := 0; s < slices; s++ {
		count := width
		if s == slices-1 {
			count = span - pos
		}
		if count <= 0 {
			break
		}
		buf, err := f.FetchRange(ctx, url, minOffset+pos, count)
		if err != nil {
			return nil, err
		}
		copy(resident[pos:pos+count], buf)
		if onBytes != nil {
			onBytes(len(buf))
		}
		if onSlice != nil {
			onSlice(SliceProgress{SliceIndex: s, TotalSlices: slices})
		}
		pos += count
	}

	// Decode replay: walk chunks in order against the resident buffer.
	output := make([]float32, d.totalElements)
	decodeBuf := make([]byte, 0, d.chunkSize*4)
	for i := int64(0); i < d.numChunks; i++ {
		start := chunkOff[i] - minOffset
		end := start + chunkLen[i]
		if start < 0 || end > int64(len(resident)) {
			return nil, &DecodeError{Code: -3, Offset: chunkOff[i]}
		}
		compressed := resident[start:end]
		var err error
		decodeBuf, err = d.zr.DecodeAll(compressed, decodeBuf[:0])
		if err != nil {
			return nil, &DecodeError{Code: -4, Offset: chunkOff[i]}
		}
		n := len(decodeBuf) / 4
		base := i * d.chunkSize
		if base+int64(n) > d.totalElements {
			n = int(d.totalElements - base)
		}
		for j := 0; j < n; j++ {
			bits := binary.LittleEndian.Uint32(decodeBuf[j*4 : j*4+4])
			output[base+int64(j)] = math.Float32frombits(bits)
		}
	}

	if onSlice != nil {
		onSlice(SliceProgress{SliceIndex: slices - 1, TotalSlices: slices, Done: true, Output: output})
	}
	return output, nil
}
