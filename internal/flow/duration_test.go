package flow

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

func testPredictorConfig() DurationPredictorConfig {
	return DurationPredictorConfig{
		Channels:   192,
		KernelSize: 3,
		Flows:      4,
		DDSLayers:  3,
	}
}

func newTestPredictor(t *testing.T, cfg DurationPredictorConfig) *StochasticDurationPredictor {
	t.Helper()

	p, err := NewStochasticDurationPredictor(rand.New(rand.NewSource(61)), cfg)
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}

	return p
}

func TestDurationNLLIsFiniteAndInputSensitive(t *testing.T) {
	p := newTestPredictor(t, testPredictorConfig())

	rng := rand.New(rand.NewSource(62))
	mask := mustMask(t, []int64{10, 7}, 10)
	x := randMasked(t, rng, 2, 192, 10, mask)

	w, err := tensor.Zeros([]int64{2, 1, 10})
	if err != nil {
		t.Fatalf("durations: %v", err)
	}

	wData := w.RawData()
	maskData := mask.RawData()

	for i := range wData {
		if maskData[i] != 0 {
			wData[i] = float32(1 + rng.Intn(8))
		}
	}

	nll, err := p.NLL(x, mask, w, nil, rand.New(rand.NewSource(63)))
	if err != nil {
		t.Fatalf("nll: %v", err)
	}

	if got := nll.Shape(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("nll shape = %v, want [2]", got)
	}

	checkFinite(t, nll, "nll")

	// Degenerate all-zero durations hit the log clamp and must land far away
	// from the realistic case, using the same posterior noise.
	zeroW, err := tensor.Zeros([]int64{2, 1, 10})
	if err != nil {
		t.Fatalf("zero durations: %v", err)
	}

	zeroNLL, err := p.NLL(x, mask, zeroW, nil, rand.New(rand.NewSource(63)))
	if err != nil {
		t.Fatalf("zero nll: %v", err)
	}

	checkFinite(t, zeroNLL, "zero-duration nll")

	for b := range 2 {
		a := float64(nll.RawData()[b])

		z := float64(zeroNLL.RawData()[b])
		if math.Abs(a-z) < 1e-3 {
			t.Fatalf("utterance %d: nll %g does not respond to durations (zero case %g)", b, a, z)
		}
	}
}

func TestDurationNLLRequiresDurations(t *testing.T) {
	p := newTestPredictor(t, testPredictorConfig())

	rng := rand.New(rand.NewSource(64))
	mask := mustMask(t, []int64{5}, 5)
	x := randMasked(t, rng, 1, 192, 5, mask)

	if _, err := p.NLL(x, mask, nil, nil, rng); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing durations error = %v, want ErrInvalidInput", err)
	}
}

func TestDurationSampleShapeAndDeterminism(t *testing.T) {
	p := newTestPredictor(t, testPredictorConfig())

	rng := rand.New(rand.NewSource(65))
	mask := mustMask(t, []int64{10, 7}, 10)
	x := randMasked(t, rng, 2, 192, 10, mask)

	logw, err := p.Sample(x, mask, nil, 0.8, rand.New(rand.NewSource(66)))
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	if got := logw.Shape(); got[0] != 2 || got[1] != 1 || got[2] != 10 {
		t.Fatalf("sample shape = %v, want [2 1 10]", got)
	}

	checkFinite(t, logw, "sampled log durations")

	again, err := p.Sample(x, mask, nil, 0.8, rand.New(rand.NewSource(66)))
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}

	if d := maxAbsDiff(t, logw, again); d != 0 {
		t.Fatalf("same seed produced different samples (max diff %g)", d)
	}

	other, err := p.Sample(x, mask, nil, 0.8, rand.New(rand.NewSource(67)))
	if err != nil {
		t.Fatalf("third sample: %v", err)
	}

	if d := maxAbsDiff(t, logw, other); d == 0 {
		t.Fatal("different seeds produced identical samples")
	}
}

func TestDurationSampleChainSkipsOneStage(t *testing.T) {
	p := newTestPredictor(t, testPredictorConfig())

	// The training chain holds 1 + 2*flows stages; sampling drops exactly one
	// spline stage and re-appends the elementwise affine.
	if got := len(p.flows); got != 9 {
		t.Fatalf("training chain has %d stages, want 9", got)
	}

	chain := p.sampleChain()
	if got := len(chain); got != 8 {
		t.Fatalf("sampling chain has %d stages, want 8", got)
	}

	if _, ok := chain[len(chain)-1].(*ElementwiseAffine); !ok {
		t.Fatalf("sampling chain ends in %T, want *ElementwiseAffine", chain[len(chain)-1])
	}

	if _, ok := chain[0].(Flip); !ok {
		t.Fatalf("sampling chain starts with %T, want Flip", chain[0])
	}
}

func TestDurationPredictorSingleFrame(t *testing.T) {
	cfg := testPredictorConfig()
	cfg.Channels = 32

	p := newTestPredictor(t, cfg)

	rng := rand.New(rand.NewSource(68))
	mask := mustMask(t, []int64{1}, 1)
	x := randMasked(t, rng, 1, 32, 1, mask)

	w := mustTensor(t, []float32{3}, []int64{1, 1, 1})

	nll, err := p.NLL(x, mask, w, nil, rng)
	if err != nil {
		t.Fatalf("nll at T=1: %v", err)
	}

	checkFinite(t, nll, "single-frame nll")

	logw, err := p.Sample(x, mask, nil, 1, rng)
	if err != nil {
		t.Fatalf("sample at T=1: %v", err)
	}

	if got := logw.Shape(); got[2] != 1 {
		t.Fatalf("sample length = %d, want 1", got[2])
	}
}

func TestDurationPredictorGlobalConditioning(t *testing.T) {
	cfg := testPredictorConfig()
	cfg.Channels = 32
	cfg.GlobalChannels = 16

	p := newTestPredictor(t, cfg)

	rng := rand.New(rand.NewSource(69))
	mask := mustMask(t, []int64{6}, 6)
	x := randMasked(t, rng, 1, 32, 6, mask)

	g, err := randNormal(rng, []int64{1, 16, 1})
	if err != nil {
		t.Fatalf("rand g: %v", err)
	}

	with, err := p.Sample(x, mask, g, 0.8, rand.New(rand.NewSource(70)))
	if err != nil {
		t.Fatalf("conditioned sample: %v", err)
	}

	without, err := p.Sample(x, mask, nil, 0.8, rand.New(rand.NewSource(70)))
	if err != nil {
		t.Fatalf("unconditioned sample: %v", err)
	}

	if d := maxAbsDiff(t, with, without); d == 0 {
		t.Fatal("global conditioning had no effect")
	}
}

func TestDurationPredictorRejectsWrongChannels(t *testing.T) {
	p := newTestPredictor(t, testPredictorConfig())

	rng := rand.New(rand.NewSource(71))
	mask := mustMask(t, []int64{4}, 4)
	x := randMasked(t, rng, 1, 64, 4, mask)

	if _, err := p.Sample(x, mask, nil, 1, rng); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wrong channel count error = %v, want ErrInvalidInput", err)
	}
}
