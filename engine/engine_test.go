package engine_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/engine"
	"github.com/weatherglobe/tileengine/internal/config"
	"github.com/weatherglobe/tileengine/internal/slotpool"
	"github.com/weatherglobe/tileengine/internal/tile"
)

func mustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(tile.TimeLayout, v)
	require.NoError(t, err)
	return ts.UTC()
}

// buildStoreServer serves a manifest plus a one-run object listing, mirroring
// internal/catalog's test fixtures.
func buildStoreServer(t *testing.T, refTime time.Time, values []string) *httptest.Server {
	t.Helper()
	runDir := "2026/07/31/00Z/"
	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/gfs/latest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"reference_time":%q,"valid_times":[`, tile.FormatTimestep(refTime))
		for i, vt := range values {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, "%q", vt)
		}
		fmt.Fprint(w, `],"variables":["temp_2m"]}`)
	})
	mux.HandleFunc("/bucket/", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<ListBucketResult>`)
		if len(runDir) >= len(prefix) && runDir[:len(prefix)] == prefix {
			rest := runDir[len(prefix):]
			for i := 0; i < len(rest); i++ {
				if rest[i] == '/' {
					fmt.Fprintf(w, `<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>`, prefix+rest[:i+1])
					break
				}
			}
			if rest == "" {
				for _, v := range values {
					fmt.Fprintf(w, `<Contents><Key>%s%s.om</Key></Contents>`, runDir, v)
				}
			}
		}
		fmt.Fprint(w, `</ListBucketResult>`)
	})
	return httptest.NewServer(mux)
}

// failFetcher always rejects range/head reads, so admitted tasks fail fast
// without needing a real .om fixture.
type failFetcher struct{}

func (failFetcher) FetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	return nil, fmt.Errorf("engine test: no real object store")
}
func (failFetcher) FetchHead(ctx context.Context, url string) (int64, error) {
	return 0, fmt.Errorf("engine test: no real object store")
}

type fakeBuffers struct{}

func (fakeBuffers) Create(sizeBytes int64) (slotpool.BufferHandle, error) { return new(int), nil }
func (fakeBuffers) Destroy(slotpool.BufferHandle)                         {}

func testConfig(storeURL string) *config.EngineConfig {
	return &config.EngineConfig{
		Model:        "gfs",
		StoreRoot:    storeURL + "/bucket/gfs",
		ManifestRoot: storeURL + "/bucket",
		Workers:      2,
		Strategy:     "alternate",
		Layers: []config.LayerConfig{
			{
				ID: "temp", Param: "temp_2m", OMParams: []string{"temp_2m"},
				Slabs:    []config.SlabConfig{{Name: "temp_2m", SizeBytes: 2048}},
				Capacity: 4,
			},
		},
	}
}

func TestEngine_New_ValidatesConfig(t *testing.T) {
	bad := &config.EngineConfig{}
	_, err := engine.New(context.Background(), bad, failFetcher{}, fakeBuffers{})
	require.Error(t, err)
}

func TestEngine_Discover_PopulatesCatalog(t *testing.T) {
	refTime := mustParse(t, "2026-07-31T0200")
	srv := buildStoreServer(t, refTime, []string{"2026-07-31T0000", "2026-07-31T0100", "2026-07-31T0200"})
	defer srv.Close()

	e, err := engine.New(context.Background(), testConfig(srv.URL), failFetcher{}, fakeBuffers{})
	require.NoError(t, err)
	require.NoError(t, e.Discover(context.Background()))

	require.Len(t, e.Catalog.Timesteps(), 3)
}

func TestEngine_SetOptions_QueuesWindowTasks(t *testing.T) {
	refTime := mustParse(t, "2026-07-31T0200")
	srv := buildStoreServer(t, refTime, []string{"2026-07-31T0000", "2026-07-31T0100", "2026-07-31T0200"})
	defer srv.Close()

	e, err := engine.New(context.Background(), testConfig(srv.URL), failFetcher{}, fakeBuffers{})
	require.NoError(t, err)
	require.NoError(t, e.Discover(context.Background()))

	now := mustParse(t, "2026-07-31T0100")
	e.SetOptions(engine.Options{
		Time: now, PoolSize: 0, Capacity: 3,
		ActiveLayers: []tile.LayerID{"temp"}, Strategy: "alternate",
	})

	stats := e.QueueStats()
	require.Equal(t, tile.StatusDownloading, stats.Status)
	require.EqualValues(t, 3*2048, stats.BytesQueued)
}

func TestEngine_Run_DrainsFailedFetchesWithoutDeadlock(t *testing.T) {
	refTime := mustParse(t, "2026-07-31T0000")
	srv := buildStoreServer(t, refTime, []string{"2026-07-31T0000"})
	defer srv.Close()

	e, err := engine.New(context.Background(), testConfig(srv.URL), failFetcher{}, fakeBuffers{})
	require.NoError(t, err)
	require.NoError(t, e.Discover(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.SetOptions(engine.Options{
		Time: mustParse(t, "2026-07-31T0000"), PoolSize: 2, Capacity: 1,
		ActiveLayers: []tile.LayerID{"temp"}, Strategy: "alternate",
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("engine.Run did not return after context cancellation")
	}
}
