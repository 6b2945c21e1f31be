package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["run"])
	require.True(t, names["inspect"])
	require.True(t, names["bench"])
}

func TestLayerIDsOrAll_DefaultsToAllConfiguredLayers(t *testing.T) {
	cfg := testBenchConfig()
	ids := layerIDsOrAll(cfg, nil)
	require.Len(t, ids, 1)
	require.Equal(t, "temp", string(ids[0]))
}

func TestLayerIDsOrAll_HonorsExplicitSelection(t *testing.T) {
	cfg := testBenchConfig()
	ids := layerIDsOrAll(cfg, []string{"wind"})
	require.Len(t, ids, 1)
	require.Equal(t, "wind", string(ids[0]))
}
