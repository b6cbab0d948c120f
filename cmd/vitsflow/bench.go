package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/example/go-vits-flow/internal/bench"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		frames int
		batch  int
		runs   int
		format string
		floor  float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark duration sampling throughput",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if frames < 1 || batch < 1 {
				return fmt.Errorf("--frames and --batch must be at least 1")
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			rng := rand.New(rand.NewSource(cfg.Predictor.Seed))

			pred, err := newPredictor(cfg, rng)
			if err != nil {
				return err
			}

			x, xMask, err := syntheticConditioner(rng, cfg.Predictor.Channels, batch, frames)
			if err != nil {
				return err
			}

			totalFrames := batch * frames
			results := make([]bench.RunResult, 0, runs)

			for i := range runs {
				start := time.Now()

				_, err := pred.Sample(x, xMask, nil, float32(cfg.Predictor.NoiseScale), rng)
				if err != nil {
					return fmt.Errorf("run %d failed: %w", i+1, err)
				}

				dur := time.Since(start)
				results = append(results, bench.RunResult{
					Index:        i,
					Cold:         i == 0,
					Duration:     dur,
					Frames:       totalFrames,
					FramesPerSec: bench.CalcThroughput(totalFrames, dur),
				})
			}

			durations := make([]time.Duration, len(results))
			for i, r := range results {
				durations[i] = r.Duration
			}
			stats := bench.ComputeStats(durations)

			switch format {
			case "json":
				bench.FormatJSON(results, stats, os.Stdout)
			default:
				bench.FormatTable(results, stats, os.Stdout)
			}

			var totalFPS float64
			for _, r := range results {
				totalFPS += r.FramesPerSec
			}

			return bench.CheckThroughputFloor(totalFPS/float64(len(results)), floor)
		},
	}

	cmd.Flags().IntVar(&frames, "frames", 50, "Conditioner length per utterance")
	cmd.Flags().IntVar(&batch, "batch", 1, "Utterances per run")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of sampling runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&floor, "throughput-floor", 0, "Exit non-zero if mean frames/s drops below this value (0 = disabled)")

	return cmd
}
