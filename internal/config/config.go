// Package config loads the engine's YAML configuration file, mirroring
// the teacher's strict-decode PolicyBundle pattern: unrecognized keys are
// a hard load error, and policy/strategy names are validated against a
// fixed registry rather than accepted blindly.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weatherglobe/tileengine/internal/scheduler"
)

// SlabConfig is one fixed-size component buffer of a layer's tile.
type SlabConfig struct {
	Name      string `yaml:"name"`
	SizeBytes int64  `yaml:"size_bytes"`
}

// LayerConfig is one visualization layer's configuration.
type LayerConfig struct {
	ID       string       `yaml:"id"`
	Param    string       `yaml:"param"`
	OMParams []string     `yaml:"om_params"`
	Slabs    []SlabConfig `yaml:"slabs"`
	Capacity int          `yaml:"capacity"`
}

// CacheBridgeConfig configures the persistent-cache sidecar client.
type CacheBridgeConfig struct {
	Endpoint string `yaml:"endpoint"`
	Quorum   int    `yaml:"quorum"`
}

// EngineConfig is the root YAML document describing one deployment of the
// engine: object store root, model name, layer set, worker pool size, and
// scheduling strategy.
type EngineConfig struct {
	Model        string            `yaml:"model"`
	StoreRoot    string            `yaml:"store_root"`
	ManifestRoot string            `yaml:"manifest_root"`
	Workers      int               `yaml:"workers"`
	Strategy     string            `yaml:"strategy"`
	CacheBridge  CacheBridgeConfig `yaml:"cache_bridge"`
	Layers       []LayerConfig     `yaml:"layers"`
}

// LoadEngineConfig reads and strictly parses path: unrecognized keys
// (typos) are rejected rather than silently ignored.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	var cfg EngineConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks structural invariants the YAML decoder cannot express:
// required fields are set, the strategy name is recognized, worker count
// is positive, and every layer's slab count matches its om_params count.
func (c *EngineConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if c.StoreRoot == "" {
		return fmt.Errorf("config: store_root is required")
	}
	if c.ManifestRoot == "" {
		c.ManifestRoot = c.StoreRoot
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if !scheduler.IsValidStrategy(c.Strategy) {
		return fmt.Errorf("config: unknown strategy %q; valid options: %s", c.Strategy, strings.Join(scheduler.ValidStrategyNames(), ", "))
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("config: at least one layer is required")
	}
	for _, l := range c.Layers {
		if l.ID == "" {
			return fmt.Errorf("config: layer missing id")
		}
		if len(l.Slabs) != len(l.OMParams) {
			return fmt.Errorf("config: layer %q has %d slabs but %d om_params", l.ID, len(l.Slabs), len(l.OMParams))
		}
		if l.Capacity <= 0 {
			return fmt.Errorf("config: layer %q capacity must be positive, got %d", l.ID, l.Capacity)
		}
	}
	return nil
}
