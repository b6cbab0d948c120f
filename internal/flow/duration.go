package flow

import (
	"fmt"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

const log2Pi = 1.8378770664093453

// DurationPredictorConfig configures a StochasticDurationPredictor. Zero
// values fall back to the defaults listed on each field.
type DurationPredictorConfig struct {
	Channels       int64   // hidden width, default 192
	KernelSize     int64   // conv kernel, default 3
	Dropout        float32 // conditioner dropout, default 0.5 (training only)
	Flows          int     // spline flows in the duration chain, default 4
	DDSLayers      int     // depth-separable layers per stack, default 3
	GlobalChannels int64   // 0 disables global conditioning
	SplineBins     int     // default 10
	TailBound      float64 // default 5
}

func (c DurationPredictorConfig) withDefaults() DurationPredictorConfig {
	if c.Channels == 0 {
		c.Channels = 192
	}

	if c.KernelSize == 0 {
		c.KernelSize = 3
	}

	if c.Dropout == 0 {
		c.Dropout = 0.5
	}

	if c.Flows == 0 {
		c.Flows = 4
	}

	if c.DDSLayers == 0 {
		c.DDSLayers = 3
	}

	if c.SplineBins == 0 {
		c.SplineBins = 10
	}

	if c.TailBound == 0 {
		c.TailBound = 5
	}

	return c
}

// StochasticDurationPredictor models phoneme durations as a normalizing flow
// over a two-channel latent. Likelihood mode dequantizes integer durations
// with a learned logistic posterior and returns the per-utterance negative
// log-likelihood; sampling mode inverts the flow chain to draw log-durations
// from noise.
type StochasticDurationPredictor struct {
	cfg DurationPredictorConfig

	pre        conv // C -> C, 1x1
	dds        *DilatedDepthSeparableConv
	proj       conv  // C -> C, 1x1
	globalConv *conv // globalChannels -> C, 1x1

	logFlow LogFlow
	flows   []Flow // ElementwiseAffine(2) then Flows x (ConvFlow, Flip)

	postPre   conv // 1 -> C
	postDDS   *DilatedDepthSeparableConv
	postProj  conv // C -> C
	postFlows []Flow
}

// postFlowCount is fixed regardless of the duration chain depth.
const postFlowCount = 4

func NewStochasticDurationPredictor(rng *rand.Rand, cfg DurationPredictorConfig) (*StochasticDurationPredictor, error) {
	cfg = cfg.withDefaults()
	if cfg.Flows < 1 {
		return nil, fmt.Errorf("%w: duration predictor needs at least one flow, got %d", ErrInvalidInput, cfg.Flows)
	}

	rng = ensureRNG(rng)
	p := &StochasticDurationPredictor{cfg: cfg}

	var err error

	if p.pre, err = newConv(rng, cfg.Channels, cfg.Channels, 1, 1, 1); err != nil {
		return nil, err
	}

	if p.dds, err = NewDilatedDepthSeparableConv(rng, cfg.Channels, cfg.KernelSize, cfg.DDSLayers, cfg.Dropout); err != nil {
		return nil, err
	}

	if p.proj, err = newConv(rng, cfg.Channels, cfg.Channels, 1, 1, 1); err != nil {
		return nil, err
	}

	if cfg.GlobalChannels > 0 {
		gc, err := newConv(rng, cfg.GlobalChannels, cfg.Channels, 1, 1, 1)
		if err != nil {
			return nil, err
		}

		p.globalConv = &gc
	}

	if p.flows, err = buildDurationChain(rng, cfg, cfg.Flows); err != nil {
		return nil, err
	}

	if p.postPre, err = newConv(rng, 1, cfg.Channels, 1, 1, 1); err != nil {
		return nil, err
	}

	if p.postDDS, err = NewDilatedDepthSeparableConv(rng, cfg.Channels, cfg.KernelSize, cfg.DDSLayers, cfg.Dropout); err != nil {
		return nil, err
	}

	if p.postProj, err = newConv(rng, cfg.Channels, cfg.Channels, 1, 1, 1); err != nil {
		return nil, err
	}

	if p.postFlows, err = buildDurationChain(rng, cfg, postFlowCount); err != nil {
		return nil, err
	}

	return p, nil
}

func buildDurationChain(rng *rand.Rand, cfg DurationPredictorConfig, numFlows int) ([]Flow, error) {
	ea, err := NewElementwiseAffine(2)
	if err != nil {
		return nil, err
	}

	chain := []Flow{ea}

	for i := 0; i < numFlows; i++ {
		cf, err := NewConvFlow(rng, 2, cfg.Channels, cfg.KernelSize, cfg.DDSLayers, cfg.SplineBins, cfg.TailBound)
		if err != nil {
			return nil, err
		}

		chain = append(chain, cf, Flip{})
	}

	return chain, nil
}

// SetTraining toggles dropout in the conditioner stacks.
func (p *StochasticDurationPredictor) SetTraining(training bool) {
	p.dds.SetTraining(training)
	p.postDDS.SetTraining(training)
}

// condition runs the shared input conditioner: pre conv, optional global
// features, depth-separable stack, projection.
func (p *StochasticDurationPredictor) condition(x, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, err
	}

	if c, _ := x.Dim(1); c != p.cfg.Channels {
		return nil, fmt.Errorf("%w: duration predictor expects %d channels, got %d", ErrInvalidInput, p.cfg.Channels, c)
	}

	h, err := p.pre.apply(x)
	if err != nil {
		return nil, fmt.Errorf("flow: duration pre conv: %w", err)
	}

	if g != nil {
		if p.globalConv == nil {
			return nil, fmt.Errorf("%w: duration predictor built without global conditioning", ErrInvalidInput)
		}

		gc, err := p.globalConv.apply(g)
		if err != nil {
			return nil, fmt.Errorf("flow: duration global conv: %w", err)
		}

		h, err = tensor.BroadcastAdd(h, gc)
		if err != nil {
			return nil, err
		}
	}

	h, err = p.dds.Forward(h, xMask, nil)
	if err != nil {
		return nil, err
	}

	h, err = p.proj.apply(h)
	if err != nil {
		return nil, fmt.Errorf("flow: duration proj conv: %w", err)
	}

	return applyMask(h, xMask)
}

// NLL returns the per-utterance negative log-likelihood of durations w under
// the flow, including the dequantization posterior term. w must be
// [batch, 1, time]; rng drives the posterior noise (nil means a fixed seed).
func (p *StochasticDurationPredictor) NLL(x, xMask, w, g *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: likelihood mode requires durations", ErrInvalidInput)
	}

	cond, err := p.condition(x, xMask, g)
	if err != nil {
		return nil, err
	}

	if err := checkMasked(w, xMask); err != nil {
		return nil, err
	}

	if c, _ := w.Dim(1); c != 1 {
		return nil, fmt.Errorf("%w: durations must be [batch, 1, time], got %d channels", ErrInvalidInput, c)
	}

	hW, err := p.postPre.apply(w)
	if err != nil {
		return nil, fmt.Errorf("flow: duration posterior pre conv: %w", err)
	}

	hW, err = p.postDDS.Forward(hW, xMask, nil)
	if err != nil {
		return nil, err
	}

	hW, err = p.postProj.apply(hW)
	if err != nil {
		return nil, fmt.Errorf("flow: duration posterior proj conv: %w", err)
	}

	hW, err = applyMask(hW, xMask)
	if err != nil {
		return nil, err
	}

	postCond, err := addSameShape(cond, hW)
	if err != nil {
		return nil, err
	}

	shape := x.Shape()
	batch, length := shape[0], shape[2]
	rng = ensureRNG(rng)

	eq, err := randNormal(rng, []int64{batch, 2, length})
	if err != nil {
		return nil, err
	}

	eq, err = applyMask(eq, xMask)
	if err != nil {
		return nil, err
	}

	zQ := eq

	logdetQ, err := tensor.Zeros([]int64{batch})
	if err != nil {
		return nil, err
	}

	for i, f := range p.postFlows {
		var ld *tensor.Tensor

		zQ, ld, err = f.Forward(zQ, xMask, postCond)
		if err != nil {
			return nil, fmt.Errorf("flow: posterior step %d: %w", i, err)
		}

		logdetQ, err = addBatchTensors(logdetQ, ld)
		if err != nil {
			return nil, err
		}
	}

	z0, z1, logq, err := dequantize(zQ, w, xMask, eq, logdetQ)
	if err != nil {
		return nil, err
	}

	z0, logdet, err := p.logFlow.Forward(z0, xMask, nil)
	if err != nil {
		return nil, err
	}

	z, err := tensor.Concat([]*tensor.Tensor{z0, z1}, 1)
	if err != nil {
		return nil, err
	}

	for i, f := range p.flows {
		var ld *tensor.Tensor

		z, ld, err = f.Forward(z, xMask, cond)
		if err != nil {
			return nil, fmt.Errorf("flow: duration step %d: %w", i, err)
		}

		logdet, err = addBatchTensors(logdet, ld)
		if err != nil {
			return nil, err
		}
	}

	nll, err := gaussianNLL(z, xMask, logdet)
	if err != nil {
		return nil, err
	}

	return addBatchTensors(nll, logq)
}

// dequantize turns integer durations into a continuous latent via the
// logistic posterior: u = sigmoid(zU) in (0, 1), z0 = (w - u) * mask. It
// returns z0, the untouched second channel, and the posterior log-density
// logq per utterance.
func dequantize(zQ, w, xMask, eq, logdetQ *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	zU, err := zQ.Narrow(1, 0, 1)
	if err != nil {
		return nil, nil, nil, err
	}

	z1, err := zQ.Narrow(1, 1, 1)
	if err != nil {
		return nil, nil, nil, err
	}

	shape := zU.Shape()
	batch, length := int(shape[0]), int(shape[2])

	z0 := zU.Clone()
	z0Data := z0.RawData()
	wData := w.RawData()
	maskData := xMask.RawData()
	logdetQData := logdetQ.RawData()
	logq := make([]float32, batch)
	eqData := eq.RawData()

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]
		row := z0Data[b*length : (b+1)*length]
		wRow := wData[b*length : (b+1)*length]

		var ldU, eqSum float64

		for t, m := range mRow {
			if m == 0 {
				row[t] = 0

				continue
			}

			zu := float64(row[t])
			u := sigmoid64(zu)
			row[t] = float32(float64(wRow[t]) - u)
			ldU += logSigmoid64(zu) + logSigmoid64(-zu)
		}

		// Both posterior noise channels contribute to the base density.
		for c := range 2 {
			eqRow := eqData[(b*2+c)*length : (b*2+c+1)*length]
			for t, m := range mRow {
				if m == 0 {
					continue
				}

				e := float64(eqRow[t])
				eqSum += -0.5 * (log2Pi + e*e)
			}
		}

		logq[b] = float32(eqSum - (float64(logdetQData[b]) + ldU))
	}

	logqT, err := tensor.New(logq, []int64{int64(batch)})
	if err != nil {
		return nil, nil, nil, err
	}

	return z0, z1, logqT, nil
}

// gaussianNLL computes sum(0.5*(log 2pi + z^2) * mask) - logdet per utterance.
func gaussianNLL(z, xMask, logdet *tensor.Tensor) (*tensor.Tensor, error) {
	shape := z.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])

	zData := z.RawData()
	maskData := xMask.RawData()
	logdetData := logdet.RawData()
	out := make([]float32, batch)

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		var sum float64

		for c := range channels {
			row := zData[(b*channels+c)*length : (b*channels+c+1)*length]

			for t, m := range mRow {
				if m == 0 {
					continue
				}

				v := float64(row[t])
				sum += 0.5 * (log2Pi + v*v)
			}
		}

		out[b] = float32(sum - float64(logdetData[b]))
	}

	return tensor.New(out, []int64{int64(batch)})
}

// Sample draws log-durations from scaled noise by inverting the duration
// chain. The returned tensor is [batch, 1, time].
func (p *StochasticDurationPredictor) Sample(x, xMask, g *tensor.Tensor, noiseScale float32, rng *rand.Rand) (*tensor.Tensor, error) {
	cond, err := p.condition(x, xMask, g)
	if err != nil {
		return nil, err
	}

	shape := x.Shape()
	batch, length := shape[0], shape[2]
	rng = ensureRNG(rng)

	z, err := randNormal(rng, []int64{batch, 2, length})
	if err != nil {
		return nil, err
	}

	zData := z.RawData()
	for i := range zData {
		zData[i] *= noiseScale
	}

	for i, f := range p.sampleChain() {
		z, err = f.Inverse(z, xMask, cond)
		if err != nil {
			return nil, fmt.Errorf("flow: sampling step %d: %w", i, err)
		}
	}

	return z.Narrow(1, 0, 1)
}

// sampleChain reverses the duration chain and drops its penultimate stage:
// the noise never passes the innermost spline flow, but the final elementwise
// affine still applies. Matched against the training-time chain this skips
// one transform on purpose.
func (p *StochasticDurationPredictor) sampleChain() []Flow {
	n := len(p.flows)
	chain := make([]Flow, 0, n-1)

	for i := n - 1; i >= 2; i-- {
		chain = append(chain, p.flows[i])
	}

	chain = append(chain, p.flows[0])

	return chain
}
