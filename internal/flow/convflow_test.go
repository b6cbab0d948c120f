package flow

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func newTestConvFlow(t *testing.T, rng *rand.Rand, perturb bool) *ConvFlow {
	t.Helper()

	cf, err := NewConvFlow(rng, 2, 16, 3, 2, 6, 5)
	if err != nil {
		t.Fatalf("new conv flow: %v", err)
	}

	if perturb {
		data := cf.proj.weight.RawData()
		for i := range data {
			data[i] = (rng.Float32() - 0.5) * 0.4
		}
	}

	return cf
}

func TestConvFlowBijection(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	mask := mustMask(t, []int64{9, 5}, 9)
	x := randMasked(t, rng, 2, 2, 9, mask)
	cf := newTestConvFlow(t, rng, true)

	z, logdet, err := cf.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	checkFinite(t, z, "forward output")
	checkFinite(t, logdet, "forward logdet")
	checkPaddedZero(t, z, mask)

	back, err := cf.Inverse(z, mask, nil)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	if d := maxAbsDiff(t, x, back); d > 1e-4 {
		t.Fatalf("roundtrip error %g exceeds 1e-4", d)
	}
}

func TestConvFlowLogdetAntisymmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	mask := mustMask(t, []int64{8}, 8)
	x := randMasked(t, rng, 1, 2, 8, mask)
	cf := newTestConvFlow(t, rng, true)

	z, ldFwd, err := cf.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	// Pointwise logdet antisymmetry is covered by the spline tests; here we
	// check the flow-level cycle: inverse recovers x, and rerunning forward
	// reproduces the same logdet because the pass-through half is unchanged.
	back, err := cf.Inverse(z, mask, nil)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	_, ldBack, err := cf.Forward(back, mask, nil)
	if err != nil {
		t.Fatalf("forward after inverse: %v", err)
	}

	got := float64(ldFwd.RawData()[0])
	again := float64(ldBack.RawData()[0])

	if math.Abs(got-again) > 1e-3 {
		t.Fatalf("logdet not reproducible through the cycle: %g vs %g", got, again)
	}
}

func TestConvFlowRejectsOddChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(33))

	if _, err := NewConvFlow(rng, 3, 16, 3, 2, 6, 5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("odd channel count error = %v, want ErrInvalidInput", err)
	}
}

func TestConvFlowWithConditioning(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	mask := mustMask(t, []int64{6}, 6)
	x := randMasked(t, rng, 1, 2, 6, mask)
	g := randMasked(t, rng, 1, 16, 6, mask)
	cf := newTestConvFlow(t, rng, true)

	z, _, err := cf.Forward(x, mask, g)
	if err != nil {
		t.Fatalf("conditioned forward: %v", err)
	}

	back, err := cf.Inverse(z, mask, g)
	if err != nil {
		t.Fatalf("conditioned inverse: %v", err)
	}

	if d := maxAbsDiff(t, x, back); d > 1e-4 {
		t.Fatalf("conditioned roundtrip error %g exceeds 1e-4", d)
	}

	plain, _, err := cf.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("unconditioned forward: %v", err)
	}

	if d := maxAbsDiff(t, z, plain); d == 0 {
		t.Fatal("conditioning tensor had no effect")
	}
}
