package decoder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/decoder"
	"github.com/weatherglobe/tileengine/internal/omfile"
	"github.com/weatherglobe/tileengine/internal/omtest"
)

func TestDecoder_RoundTrip_SingleChunk(t *testing.T) {
	want := make([]float32, 100)
	for i := range want {
		want[i] = float32(i) * 1.5
	}
	data, err := omtest.Build([]omtest.DataVariable{
		{Name: "temp_2m", Dims: []uint64{10, 10}, Values: want},
	})
	require.NoError(t, err)

	mf := &omtest.MemFetcher{Data: data}
	v, err := omfile.Walk(context.Background(), mf, "fixture", "temp_2m")
	require.NoError(t, err)

	d, err := decoder.New(v)
	require.NoError(t, err)
	defer d.Close()

	var lastSlice decoder.SliceProgress
	var bytesSeen int
	got, err := d.DiscoverAndFetch(context.Background(), mf, "fixture", 3,
		func(p decoder.SliceProgress) { lastSlice = p },
		func(n int) { bytesSeen += n },
	)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.True(t, lastSlice.Done)
	require.Equal(t, want, lastSlice.Output)
	require.Greater(t, bytesSeen, 0)
}

func TestDecoder_RoundTrip_MultiChunk(t *testing.T) {
	const n = decoder.ChunkSize*3 + 17 // spans multiple chunks, last one partial
	want := make([]float32, n)
	for i := range want {
		want[i] = float32(i%997) - 500
	}
	data, err := omtest.Build([]omtest.DataVariable{
		{Name: "wind_u", Dims: []uint64{uint64(n)}, Values: want},
	})
	require.NoError(t, err)

	mf := &omtest.MemFetcher{Data: data}
	v, err := omfile.Walk(context.Background(), mf, "fixture", "wind_u")
	require.NoError(t, err)

	d, err := decoder.New(v)
	require.NoError(t, err)
	defer d.Close()

	got, err := d.DiscoverAndFetch(context.Background(), mf, "fixture", decoder.DefaultSlices, nil, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecoder_ScratchSizeHeldForLifetime(t *testing.T) {
	data, err := omtest.Build([]omtest.DataVariable{
		{Name: "p", Dims: []uint64{4}, Values: []float32{1, 2, 3, 4}},
	})
	require.NoError(t, err)
	mf := &omtest.MemFetcher{Data: data}
	v, err := omfile.Walk(context.Background(), mf, "fixture", "p")
	require.NoError(t, err)

	d, err := decoder.New(v)
	require.NoError(t, err)
	defer d.Close()
	require.EqualValues(t, decoder.IOSize, d.ScratchSize())
}
