package cmd

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/fetch"
)

// buildOMFile writes a minimal single-variable .om file: one container
// root with one data-variable child, trailer pointing at the root.
func buildOMFile(t *testing.T) string {
	t.Helper()

	var data []byte
	appendVariable := func(kind byte, name string, dims []uint64, indexOff, indexSize, dataOff, dataSize uint64) []byte {
		buf := []byte{kind}
		nameBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(nameBuf, uint16(len(name)))
		buf = append(buf, nameBuf...)
		buf = append(buf, []byte(name)...)

		if kind == 0 {
			childBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(childBuf, 0)
			buf = append(buf, childBuf...)
			return buf
		}
		childBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(childBuf, 0)
		buf = append(buf, childBuf...)

		dimCountBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(dimCountBuf, uint32(len(dims)))
		buf = append(buf, dimCountBuf...)
		for _, d := range dims {
			dBuf := make([]byte, 8)
			binary.LittleEndian.PutUint64(dBuf, d)
			buf = append(buf, dBuf...)
		}
		spans := []uint64{indexOff, indexSize, dataOff, dataSize}
		for _, s := range spans {
			sBuf := make([]byte, 8)
			binary.LittleEndian.PutUint64(sBuf, s)
			buf = append(buf, sBuf...)
		}
		return buf
	}

	child := appendVariable(1, "temp_2m", []uint64{4}, 0, 0, 0, 0)
	childOff := uint64(0)
	childSize := uint64(len(child))
	data = append(data, child...)

	root := []byte{0}
	nameBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(nameBuf, 0)
	root = append(root, nameBuf...)
	childCountBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(childCountBuf, 1)
	root = append(root, childCountBuf...)
	offBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(offBuf, childOff)
	root = append(root, offBuf...)
	sizeBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(sizeBuf, childSize)
	root = append(root, sizeBuf...)

	rootOff := uint64(len(data))
	rootSize := uint64(len(root))
	data = append(data, root...)

	trailer := make([]byte, 16)
	binary.LittleEndian.PutUint64(trailer[0:8], rootOff)
	binary.LittleEndian.PutUint64(trailer[8:16], rootSize)
	data = append(data, trailer...)

	path := filepath.Join(t.TempDir(), "sample.om")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenTarget_LocalFile(t *testing.T) {
	path := buildOMFile(t)
	fetcher, url, closeFn, err := openTarget(path)
	require.NoError(t, err)
	defer closeFn()
	require.Equal(t, path, url)

	size, err := fetcher.FetchHead(context.Background(), url)
	require.NoError(t, err)
	require.Greater(t, size, int64(0))
}

func TestOpenTarget_HTTPURL(t *testing.T) {
	fetcher, url, closeFn, err := openTarget("https://example.com/data.om")
	require.NoError(t, err)
	defer closeFn()
	require.Equal(t, "https://example.com/data.om", url)
	require.IsType(t, &fetch.HTTPFetcher{}, fetcher)
}
