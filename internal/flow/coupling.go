package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// couplingCore holds the shared machinery of the residual coupling variants:
// split the channels in half, encode the pass-through half, and produce
// per-element shift/log-scale statistics for the transformed half.
type couplingCore struct {
	channels     int64
	halfChannels int64
	meanOnly     bool

	inputConv conv // half -> hidden, 1x1
	enc       *WaveNet
	projConv  conv // hidden -> half (meanOnly) or 2*half, zero-init
}

func newCouplingCore(rng *rand.Rand, channels, hidden, kernelSize, dilationRate int64, numLayers int, globalChannels int64, meanOnly bool) (couplingCore, error) {
	if channels <= 0 || channels%2 != 0 {
		return couplingCore{}, fmt.Errorf("%w: coupling needs an even channel count, got %d", ErrInvalidInput, channels)
	}

	half := channels / 2

	inputConv, err := newConv(rng, half, hidden, 1, 1, 1)
	if err != nil {
		return couplingCore{}, err
	}

	enc, err := NewWaveNet(rng, hidden, kernelSize, numLayers, dilationRate, globalChannels, 0)
	if err != nil {
		return couplingCore{}, err
	}

	projOut := half
	if !meanOnly {
		projOut = 2 * half
	}

	// Zero init keeps the untrained coupling an exact identity.
	projConv, err := newZeroConv(hidden, projOut, 1)
	if err != nil {
		return couplingCore{}, err
	}

	return couplingCore{
		channels:     channels,
		halfChannels: half,
		meanOnly:     meanOnly,
		inputConv:    inputConv,
		enc:          enc,
		projConv:     projConv,
	}, nil
}

// stats encodes the conditioning half and returns the shift and log-scale
// tensors, each [B, half, T].
func (c *couplingCore) stats(xaCond, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	h, err := c.inputConv.apply(xaCond)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: coupling input conv: %w", err)
	}

	h, err = applyMask(h, xMask)
	if err != nil {
		return nil, nil, err
	}

	h, err = c.enc.Forward(h, xMask, g)
	if err != nil {
		return nil, nil, err
	}

	raw, err := c.projConv.apply(h)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: coupling proj conv: %w", err)
	}

	raw, err = applyMask(raw, xMask)
	if err != nil {
		return nil, nil, err
	}

	shift, err := raw.Narrow(1, 0, c.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	if c.meanOnly {
		batch, _ := raw.Dim(0)

		length, _ := raw.Dim(2)

		logScale, err := tensor.Zeros([]int64{batch, c.halfChannels, length})
		if err != nil {
			return nil, nil, err
		}

		return shift, logScale, nil
	}

	logScale, err := raw.Narrow(1, c.halfChannels, c.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	return shift, logScale, nil
}

// apply runs the affine transform of the second half given precomputed stats.
func (c *couplingCore) apply(x, xMask, shift, logScale *tensor.Tensor, inverse bool) (*tensor.Tensor, *tensor.Tensor, error) {
	xa, err := x.Narrow(1, 0, c.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	xb, err := x.Narrow(1, c.halfChannels, c.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	shape := x.Shape()
	batch, length := int(shape[0]), int(shape[2])
	half := int(c.halfChannels)

	zb := xb.Clone()
	zbData := zb.RawData()
	shiftData := shift.RawData()
	logsData := logScale.RawData()
	maskData := xMask.RawData()
	logdet := make([]float32, batch)

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		var ld float64

		for ch := range half {
			base := (b*half + ch) * length
			row := zbData[base : base+length]

			for t, m := range mRow {
				if m == 0 {
					row[t] = 0

					continue
				}

				logs := float64(logsData[base+t])
				sh := shiftData[base+t]

				if inverse {
					row[t] = float32(float64(row[t]-sh) * math.Exp(-logs))
				} else {
					row[t] = float32(float64(row[t])*math.Exp(logs)) + sh
					ld += logs
				}
			}
		}

		logdet[b] = float32(ld)
	}

	out, err := tensor.Concat([]*tensor.Tensor{xa, zb}, 1)
	if err != nil {
		return nil, nil, err
	}

	out, err = applyMask(out, xMask)
	if err != nil {
		return nil, nil, err
	}

	if inverse {
		return out, nil, nil
	}

	logdetT, err := tensor.New(logdet, []int64{int64(batch)})
	if err != nil {
		return nil, nil, err
	}

	return out, logdetT, nil
}

func (c *couplingCore) check(x, xMask *tensor.Tensor) error {
	if err := checkMasked(x, xMask); err != nil {
		return err
	}

	if ch, _ := x.Dim(1); ch != c.channels {
		return fmt.Errorf("%w: coupling expects %d channels, got %d", ErrInvalidInput, c.channels, ch)
	}

	return nil
}

// ResidualAffineCoupling transforms the second half of the channels with an
// affine map conditioned on the first half through a WaveNet encoder.
type ResidualAffineCoupling struct {
	core couplingCore
}

func NewResidualAffineCoupling(rng *rand.Rand, channels, hidden, kernelSize, dilationRate int64, numLayers int, globalChannels int64, meanOnly bool) (*ResidualAffineCoupling, error) {
	core, err := newCouplingCore(ensureRNG(rng), channels, hidden, kernelSize, dilationRate, numLayers, globalChannels, meanOnly)
	if err != nil {
		return nil, err
	}

	return &ResidualAffineCoupling{core: core}, nil
}

func (r *ResidualAffineCoupling) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := r.core.check(x, xMask); err != nil {
		return nil, nil, err
	}

	xa, err := x.Narrow(1, 0, r.core.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	shift, logScale, err := r.core.stats(xa, xMask, g)
	if err != nil {
		return nil, nil, err
	}

	return r.core.apply(x, xMask, shift, logScale, false)
}

func (r *ResidualAffineCoupling) Inverse(z, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := r.core.check(z, xMask); err != nil {
		return nil, err
	}

	za, err := z.Narrow(1, 0, r.core.halfChannels)
	if err != nil {
		return nil, err
	}

	shift, logScale, err := r.core.stats(za, xMask, g)
	if err != nil {
		return nil, err
	}

	out, _, err := r.core.apply(z, xMask, shift, logScale, true)

	return out, err
}

// ResidualTransformerCoupling is the affine coupling with a small self-
// attention encoder enriching the conditioning half before the WaveNet. The
// pass-through half itself is unchanged, so invertibility is unaffected.
type ResidualTransformerCoupling struct {
	core couplingCore
	pre  *TransformerEncoder
}

func NewResidualTransformerCoupling(rng *rand.Rand, channels, hidden, kernelSize, dilationRate int64, numLayers int, globalChannels, heads int64, preLayers int, meanOnly bool) (*ResidualTransformerCoupling, error) {
	rng = ensureRNG(rng)

	core, err := newCouplingCore(rng, channels, hidden, kernelSize, dilationRate, numLayers, globalChannels, meanOnly)
	if err != nil {
		return nil, err
	}

	pre, err := NewTransformerEncoder(rng, channels/2, heads, preLayers, 4)
	if err != nil {
		return nil, err
	}

	return &ResidualTransformerCoupling{core: core, pre: pre}, nil
}

// condition builds the enriched conditioning half: xa + transformer(xa).
func (r *ResidualTransformerCoupling) condition(x, xMask *tensor.Tensor) (*tensor.Tensor, error) {
	xa, err := x.Narrow(1, 0, r.core.halfChannels)
	if err != nil {
		return nil, err
	}

	xaMasked, err := applyMask(xa, xMask)
	if err != nil {
		return nil, err
	}

	enriched, err := r.pre.Forward(xaMasked, xMask)
	if err != nil {
		return nil, err
	}

	return addSameShape(xa, enriched)
}

func (r *ResidualTransformerCoupling) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := r.core.check(x, xMask); err != nil {
		return nil, nil, err
	}

	cond, err := r.condition(x, xMask)
	if err != nil {
		return nil, nil, err
	}

	shift, logScale, err := r.core.stats(cond, xMask, g)
	if err != nil {
		return nil, nil, err
	}

	return r.core.apply(x, xMask, shift, logScale, false)
}

func (r *ResidualTransformerCoupling) Inverse(z, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := r.core.check(z, xMask); err != nil {
		return nil, err
	}

	cond, err := r.condition(z, xMask)
	if err != nil {
		return nil, err
	}

	shift, logScale, err := r.core.stats(cond, xMask, g)
	if err != nil {
		return nil, err
	}

	out, _, err := r.core.apply(z, xMask, shift, logScale, true)

	return out, err
}

var (
	_ Flow = (*ResidualAffineCoupling)(nil)
	_ Flow = (*ResidualTransformerCoupling)(nil)
)
