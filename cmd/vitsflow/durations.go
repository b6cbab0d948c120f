package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/example/go-vits-flow/internal/config"
	"github.com/example/go-vits-flow/internal/flow"
	"github.com/example/go-vits-flow/internal/runtime/tensor"
	"github.com/spf13/cobra"
)

func newDurationsCmd() *cobra.Command {
	var (
		frames     int
		batch      int
		withNLL    bool
		noiseScale float64
	)

	cmd := &cobra.Command{
		Use:   "durations",
		Short: "Sample durations from the stochastic predictor",
		Long: "Builds a seeded duration predictor, samples log-durations for a batch of\n" +
			"synthetic conditioner sequences, and optionally scores the sampled durations\n" +
			"back through the likelihood path.",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if frames < 1 || batch < 1 {
				return fmt.Errorf("--frames and --batch must be at least 1")
			}

			if noiseScale == 0 {
				noiseScale = cfg.Predictor.NoiseScale
			}

			return runDurations(cfg, frames, batch, noiseScale, withNLL)
		},
	}

	cmd.Flags().IntVar(&frames, "frames", 10, "Conditioner length per utterance")
	cmd.Flags().IntVar(&batch, "batch", 1, "Number of utterances to sample")
	cmd.Flags().BoolVar(&withNLL, "nll", false, "Score the sampled durations through the likelihood path")
	cmd.Flags().Float64Var(&noiseScale, "noise-scale", 0, "Sampling noise scale (0 = config value)")

	return cmd
}

type durationReport struct {
	Utterance int     `json:"utterance"`
	Durations []int   `json:"durations"`
	Total     int     `json:"total"`
	NLL       float64 `json:"nll,omitempty"`
}

func runDurations(cfg config.Config, frames, batch int, noiseScale float64, withNLL bool) error {
	rng := rand.New(rand.NewSource(cfg.Predictor.Seed))

	pred, err := newPredictor(cfg, rng)
	if err != nil {
		return err
	}

	x, xMask, err := syntheticConditioner(rng, cfg.Predictor.Channels, batch, frames)
	if err != nil {
		return err
	}

	logw, err := pred.Sample(x, xMask, nil, float32(noiseScale), rng)
	if err != nil {
		return err
	}

	reports := make([]durationReport, batch)
	lw := logw.Data()

	for b := range batch {
		durs := make([]int, frames)
		total := 0

		for t := range frames {
			d := int(math.Ceil(math.Exp(float64(lw[b*frames+t]))))
			if d < 1 {
				d = 1
			}

			durs[t] = d
			total += d
		}

		reports[b] = durationReport{Utterance: b, Durations: durs, Total: total}
	}

	if withNLL {
		w, err := tensor.Zeros([]int64{int64(batch), 1, int64(frames)})
		if err != nil {
			return err
		}

		wd := w.RawData()

		for b := range batch {
			for t := range frames {
				wd[b*frames+t] = float32(reports[b].Durations[t])
			}
		}

		nll, err := pred.NLL(x, xMask, w, nil, rng)
		if err != nil {
			return err
		}

		for b := range batch {
			reports[b].NLL = float64(nll.Data()[b])
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(reports)
}

func newPredictor(cfg config.Config, rng *rand.Rand) (*flow.StochasticDurationPredictor, error) {
	return flow.NewStochasticDurationPredictor(rng, flow.DurationPredictorConfig{
		Channels:       int64(cfg.Predictor.Channels),
		KernelSize:     int64(cfg.Predictor.KernelSize),
		Dropout:        float32(cfg.Predictor.Dropout),
		Flows:          cfg.Predictor.Flows,
		DDSLayers:      cfg.Predictor.DDSLayers,
		GlobalChannels: int64(cfg.Predictor.GlobalChannels),
	})
}

// syntheticConditioner builds a standard-normal [B, C, T] conditioner with a
// full-length mask for demo and bench runs.
func syntheticConditioner(rng *rand.Rand, channels, batch, frames int) (*tensor.Tensor, *tensor.Tensor, error) {
	x, err := tensor.Zeros([]int64{int64(batch), int64(channels), int64(frames)})
	if err != nil {
		return nil, nil, err
	}

	xd := x.RawData()

	for i := range xd {
		xd[i] = float32(rng.NormFloat64())
	}

	lengths := make([]int64, batch)
	for i := range lengths {
		lengths[i] = int64(frames)
	}

	xMask, err := flow.BuildMask(lengths, int64(frames))
	if err != nil {
		return nil, nil, err
	}

	return x, xMask, nil
}
