package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weatherglobe/tileengine/engine"
	"github.com/weatherglobe/tileengine/internal/config"
	"github.com/weatherglobe/tileengine/internal/fetch"
	"github.com/weatherglobe/tileengine/internal/tile"
)

var (
	benchConfigPath string
	benchPoolSize   int
	benchCapacity   int
	benchTimeout    time.Duration
	benchLayerIDs   []string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive the worker pool against a fixed window and report bandwidth/ETA",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadEngineConfig(benchConfigPath)
		if err != nil {
			return fmt.Errorf("bench: loading config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), benchTimeout)
		defer cancel()

		fetcher := fetch.NewHTTPFetcher(nil, nil)
		e, err := engine.New(ctx, cfg, fetcher, noopBuffers{})
		if err != nil {
			return fmt.Errorf("bench: constructing engine: %w", err)
		}

		if err := e.Discover(ctx); err != nil {
			return fmt.Errorf("bench: discovering catalog: %w", err)
		}

		if err := e.CacheBridge().Ping(ctx); err != nil {
			logrus.Warnf("bench: persistent-cache sidecar unreachable: %v", err)
		} else {
			logrus.Info("bench: persistent-cache sidecar reachable")
		}

		layers := layerIDsOrAll(cfg, benchLayerIDs)
		e.SetOptions(engine.Options{
			Time:         time.Now().UTC(),
			PoolSize:     benchPoolSize,
			Capacity:     benchCapacity,
			ActiveLayers: layers,
			Strategy:     cfg.Strategy,
		})

		runDone := make(chan error, 1)
		go func() { runDone <- e.Run(ctx) }()

		start := time.Now()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case err := <-runDone:
				elapsed := time.Since(start)
				stats := e.QueueStats()
				if err != nil {
					return fmt.Errorf("bench: %w", err)
				}
				fmt.Printf("bench: drained in %s, completed=%dB, avg=%.0fB/s\n",
					elapsed.Round(time.Millisecond), stats.BytesCompleted, float64(stats.BytesCompleted)/elapsed.Seconds())
				return nil
			case <-ticker.C:
				stats := e.QueueStats()
				if stats.Status == tile.StatusIdle {
					logrus.Info("bench: queue drained")
					return nil
				}
				printStats(e)
			}
		}
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchConfigPath, "config", "", "Path to the engine YAML config")
	benchCmd.Flags().IntVar(&benchPoolSize, "pool-size", 4, "Maximum concurrent in-flight fetches")
	benchCmd.Flags().IntVar(&benchCapacity, "capacity", 8, "Reactive window width in timesteps")
	benchCmd.Flags().DurationVar(&benchTimeout, "timeout", time.Minute, "Maximum time to wait for the window to drain")
	benchCmd.Flags().StringSliceVar(&benchLayerIDs, "layers", nil, "Layer IDs to activate (default: all configured layers)")
	_ = benchCmd.MarkFlagRequired("config")
}
