package flow

import (
	"errors"
	"math/rand"
	"testing"
)

func testBlockConfig() CouplingBlockConfig {
	return CouplingBlockConfig{
		Channels:      192,
		Hidden:        64,
		KernelSize:    5,
		DilationRate:  1,
		WaveNetLayers: 2,
		Flows:         4,
		MeanOnly:      true,
	}
}

func TestCouplingBlockRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(51))
	cfg := testBlockConfig()

	block, err := NewResidualCouplingBlock(rng, cfg)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}

	// Move the couplings off their identity initialization so the roundtrip
	// actually exercises the affine math.
	for _, f := range block.flows {
		if rc, ok := f.(*ResidualAffineCoupling); ok {
			perturbZeroConv(rng, &rc.core.projConv, 0.2)
		}
	}

	mask := mustMask(t, []int64{10, 7}, 10)
	x := randMasked(t, rng, 2, cfg.Channels, 10, mask)

	z, logdet, err := block.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	checkFinite(t, z, "block output")
	checkFinite(t, logdet, "block logdet")
	checkPaddedZero(t, z, mask)

	if got := z.Shape(); got[0] != 2 || got[1] != cfg.Channels || got[2] != 10 {
		t.Fatalf("output shape = %v, want [2 %d 10]", got, cfg.Channels)
	}

	back, err := block.Inverse(z, mask, nil)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	if d := maxAbsDiff(t, x, back); d > 1e-4 {
		t.Fatalf("roundtrip error %g exceeds 1e-4", d)
	}
}

func TestCouplingBlockTransformerVariantRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(52))
	cfg := testBlockConfig()
	cfg.Channels = 16
	cfg.Hidden = 16
	cfg.Flows = 2
	cfg.UseTransformer = true
	cfg.Heads = 2
	cfg.PreLayers = 1

	block, err := NewResidualCouplingBlock(rng, cfg)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}

	for _, f := range block.flows {
		if rc, ok := f.(*ResidualTransformerCoupling); ok {
			perturbZeroConv(rng, &rc.core.projConv, 0.2)
		}
	}

	mask := mustMask(t, []int64{8, 5}, 8)
	x := randMasked(t, rng, 2, cfg.Channels, 8, mask)

	z, _, err := block.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	back, err := block.Inverse(z, mask, nil)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	if d := maxAbsDiff(t, x, back); d > 1e-4 {
		t.Fatalf("roundtrip error %g exceeds 1e-4", d)
	}
}

func TestCouplingBlockAccumulatesFlipPairs(t *testing.T) {
	rng := rand.New(rand.NewSource(53))

	block, err := NewResidualCouplingBlock(rng, testBlockConfig())
	if err != nil {
		t.Fatalf("new block: %v", err)
	}

	// Each configured flow contributes a coupling layer plus a flip.
	if got := len(block.flows); got != 8 {
		t.Fatalf("block has %d stages, want 8", got)
	}
}

func TestCouplingBlockRejectsZeroFlows(t *testing.T) {
	cfg := testBlockConfig()
	cfg.Flows = 0

	if _, err := NewResidualCouplingBlock(nil, cfg); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero flows error = %v, want ErrInvalidInput", err)
	}
}
