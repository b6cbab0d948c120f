package flow

import (
	"fmt"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// CouplingBlockConfig configures a ResidualCouplingBlock.
type CouplingBlockConfig struct {
	Channels       int64
	Hidden         int64
	KernelSize     int64
	DilationRate   int64
	WaveNetLayers  int
	Flows          int
	GlobalChannels int64
	MeanOnly       bool

	// UseTransformer switches the coupling layers to the variant with a
	// self-attention conditioner; Heads and PreLayers apply only then.
	UseTransformer bool
	Heads          int64
	PreLayers      int
}

// ResidualCouplingBlock chains coupling layers with channel flips so every
// channel is transformed across the block. It is itself a Flow.
type ResidualCouplingBlock struct {
	channels int64
	flows    []Flow
}

func NewResidualCouplingBlock(rng *rand.Rand, cfg CouplingBlockConfig) (*ResidualCouplingBlock, error) {
	if cfg.Flows <= 0 {
		return nil, fmt.Errorf("%w: coupling block needs at least one flow, got %d", ErrInvalidInput, cfg.Flows)
	}

	rng = ensureRNG(rng)
	b := &ResidualCouplingBlock{channels: cfg.Channels}

	for i := 0; i < cfg.Flows; i++ {
		var (
			layer Flow
			err   error
		)

		if cfg.UseTransformer {
			layer, err = NewResidualTransformerCoupling(rng, cfg.Channels, cfg.Hidden, cfg.KernelSize,
				cfg.DilationRate, cfg.WaveNetLayers, cfg.GlobalChannels, cfg.Heads, cfg.PreLayers, cfg.MeanOnly)
		} else {
			layer, err = NewResidualAffineCoupling(rng, cfg.Channels, cfg.Hidden, cfg.KernelSize,
				cfg.DilationRate, cfg.WaveNetLayers, cfg.GlobalChannels, cfg.MeanOnly)
		}

		if err != nil {
			return nil, fmt.Errorf("flow: coupling block layer %d: %w", i, err)
		}

		b.flows = append(b.flows, layer, Flip{})
	}

	return b, nil
}

func (b *ResidualCouplingBlock) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, nil, err
	}

	batch, _ := x.Dim(0)

	total, err := tensor.Zeros([]int64{batch})
	if err != nil {
		return nil, nil, err
	}

	for i, f := range b.flows {
		var logdet *tensor.Tensor

		x, logdet, err = f.Forward(x, xMask, g)
		if err != nil {
			return nil, nil, fmt.Errorf("flow: coupling block forward step %d: %w", i, err)
		}

		total, err = addBatchTensors(total, logdet)
		if err != nil {
			return nil, nil, err
		}
	}

	return x, total, nil
}

func (b *ResidualCouplingBlock) Inverse(z, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(z, xMask); err != nil {
		return nil, err
	}

	var err error

	for i := len(b.flows) - 1; i >= 0; i-- {
		z, err = b.flows[i].Inverse(z, xMask, g)
		if err != nil {
			return nil, fmt.Errorf("flow: coupling block inverse step %d: %w", i, err)
		}
	}

	return z, nil
}

var _ Flow = (*ResidualCouplingBlock)(nil)
