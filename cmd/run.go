package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weatherglobe/tileengine/engine"
	"github.com/weatherglobe/tileengine/internal/config"
	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/slotpool"
	"github.com/weatherglobe/tileengine/internal/tile"
)

var (
	runConfigPath string
	runPoolSize   int
	runCapacity   int
	runStrategy   string
	runLayerIDs   []string
	runStatsEvery time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the engine against a live object-store root and stream queue stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadEngineConfig(runConfigPath)
		if err != nil {
			logrus.Fatalf("run: loading config: %v", err)
		}
		if runStrategy != "" {
			cfg.Strategy = runStrategy
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fetcher := fetch.NewHTTPFetcher(nil, nil)
		e, err := engine.New(ctx, cfg, fetcher, noopBuffers{})
		if err != nil {
			logrus.Fatalf("run: constructing engine: %v", err)
		}

		logrus.Infof("run: discovering catalog for model %q at %s", cfg.Model, cfg.StoreRoot)
		if err := e.Discover(ctx); err != nil {
			logrus.Fatalf("run: discovering catalog: %v", err)
		}

		layers := layerIDsOrAll(cfg, runLayerIDs)
		e.SetOptions(engine.Options{
			Time:         time.Now().UTC(),
			PoolSize:     runPoolSize,
			Capacity:     runCapacity,
			ActiveLayers: layers,
			Strategy:     cfg.Strategy,
		})

		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		ticker := time.NewTicker(runStatsEvery)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				if err != nil {
					logrus.Fatalf("run: engine exited: %v", err)
				}
				logrus.Info("run: shutdown complete")
				return nil
			case <-ticker.C:
				printStats(e)
			}
		}
	},
}

func layerIDsOrAll(cfg *config.EngineConfig, requested []string) []tile.LayerID {
	if len(requested) == 0 {
		out := make([]tile.LayerID, len(cfg.Layers))
		for i, lc := range cfg.Layers {
			out[i] = tile.LayerID(lc.ID)
		}
		return out
	}
	out := make([]tile.LayerID, len(requested))
	for i, id := range requested {
		out[i] = tile.LayerID(id)
	}
	return out
}

func printStats(e *engine.Engine) {
	stats := e.QueueStats()
	logrus.Infof("queue: status=%s queued=%dB completed=%dB rate=%.0fB/s eta=%.1fs",
		stats.Status, stats.BytesQueued, stats.BytesCompleted, stats.BytesPerSec, stats.ETASeconds)
}

// noopBuffers is the CLI's GPU buffer lifecycle seam: the tileengine
// process itself never renders, so buffer allocation is a no-op and slot
// occupancy is tracked purely for admission bookkeeping.
type noopBuffers struct{}

func (noopBuffers) Create(sizeBytes int64) (slotpool.BufferHandle, error) { return new(int), nil }
func (noopBuffers) Destroy(slotpool.BufferHandle)                         {}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to the engine YAML config")
	runCmd.Flags().IntVar(&runPoolSize, "pool-size", 4, "Maximum concurrent in-flight fetches")
	runCmd.Flags().IntVar(&runCapacity, "capacity", 8, "Reactive window width in timesteps")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "Override the config's scheduling strategy")
	runCmd.Flags().StringSliceVar(&runLayerIDs, "layers", nil, "Layer IDs to activate (default: all configured layers)")
	runCmd.Flags().DurationVar(&runStatsEvery, "stats-interval", 5*time.Second, "How often to print queue stats")
	_ = runCmd.MarkFlagRequired("config")
}
