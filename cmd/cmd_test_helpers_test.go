package cmd

import "github.com/weatherglobe/tileengine/internal/config"

// testBenchConfig returns a minimal valid EngineConfig for flag-wiring tests
// that don't need a live object store.
func testBenchConfig() *config.EngineConfig {
	return &config.EngineConfig{
		Model:        "gfs",
		StoreRoot:    "https://example.com/bucket/gfs",
		ManifestRoot: "https://example.com/bucket",
		Workers:      2,
		Strategy:     "alternate",
		Layers: []config.LayerConfig{
			{ID: "temp", Param: "temp_2m", OMParams: []string{"temp_2m"}, Slabs: []config.SlabConfig{{Name: "temp_2m", SizeBytes: 1024}}, Capacity: 4},
		},
	}
}
