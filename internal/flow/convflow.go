package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// ConvFlow is a coupling flow whose conditioner is a dilated depth-separable
// stack and whose elementwise transform is a monotonic rational-quadratic
// spline. The first half of the channels passes through unchanged and drives
// the spline parameters for the second half.
type ConvFlow struct {
	inChannels   int64
	halfChannels int64
	hidden       int64
	numBins      int
	tailBound    float64

	pre  conv // half -> hidden, 1x1
	dds  *DilatedDepthSeparableConv
	proj conv // hidden -> half*(3*numBins-1), 1x1, zero-init
}

func NewConvFlow(rng *rand.Rand, inChannels, hiddenChannels, kernelSize int64, numLayers, numBins int, tailBound float64) (*ConvFlow, error) {
	if inChannels <= 0 || inChannels%2 != 0 {
		return nil, fmt.Errorf("%w: conv flow needs an even channel count, got %d", ErrInvalidInput, inChannels)
	}

	if numBins < 1 {
		return nil, fmt.Errorf("%w: conv flow needs at least one spline bin, got %d", ErrInvalidInput, numBins)
	}

	if tailBound <= 0 {
		return nil, fmt.Errorf("%w: conv flow tail bound must be > 0, got %g", ErrInvalidInput, tailBound)
	}

	rng = ensureRNG(rng)
	half := inChannels / 2

	pre, err := newConv(rng, half, hiddenChannels, 1, 1, 1)
	if err != nil {
		return nil, err
	}

	dds, err := NewDilatedDepthSeparableConv(rng, hiddenChannels, kernelSize, numLayers, 0)
	if err != nil {
		return nil, err
	}

	// Zero init keeps the untrained spline near identity.
	proj, err := newZeroConv(hiddenChannels, half*int64(3*numBins-1), 1)
	if err != nil {
		return nil, err
	}

	return &ConvFlow{
		inChannels:   inChannels,
		halfChannels: half,
		hidden:       hiddenChannels,
		numBins:      numBins,
		tailBound:    tailBound,
		pre:          pre,
		dds:          dds,
		proj:         proj,
	}, nil
}

func (f *ConvFlow) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return f.transform(x, xMask, g, false)
}

func (f *ConvFlow) Inverse(z, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := f.transform(z, xMask, g, true)

	return out, err
}

func (f *ConvFlow) transform(x, xMask, g *tensor.Tensor, inverse bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, nil, err
	}

	if c, _ := x.Dim(1); c != f.inChannels {
		return nil, nil, fmt.Errorf("%w: conv flow expects %d channels, got %d", ErrInvalidInput, f.inChannels, c)
	}

	xa, err := x.Narrow(1, 0, f.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	xb, err := x.Narrow(1, f.halfChannels, f.inChannels-f.halfChannels)
	if err != nil {
		return nil, nil, err
	}

	h, err := f.pre.apply(xa)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: conv flow pre conv: %w", err)
	}

	h, err = f.dds.Forward(h, xMask, g)
	if err != nil {
		return nil, nil, err
	}

	h, err = f.proj.apply(h)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: conv flow proj conv: %w", err)
	}

	h, err = applyMask(h, xMask)
	if err != nil {
		return nil, nil, err
	}

	shape := x.Shape()
	batch, length := int(shape[0]), int(shape[2])
	half := int(f.halfChannels)
	params := 3*f.numBins - 1

	hData := h.RawData()
	maskData := xMask.RawData()
	zb := xb.Clone()
	zbData := zb.RawData()
	logdet := make([]float32, batch)

	// Width and height parameters are damped by sqrt(hidden) so the spline
	// stays near identity for small conditioner outputs.
	damp := math.Sqrt(float64(f.hidden))

	uw := make([]float64, f.numBins)
	uh := make([]float64, f.numBins)
	ud := make([]float64, f.numBins-1)

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		var ld float64

		for hc := range half {
			row := zbData[(b*half+hc)*length : (b*half+hc+1)*length]
			pBase := (b*half + hc) * params * length

			for t, m := range mRow {
				if m == 0 {
					row[t] = 0

					continue
				}

				for i := range f.numBins {
					uw[i] = float64(hData[pBase+i*length+t]) / damp
					uh[i] = float64(hData[pBase+(f.numBins+i)*length+t]) / damp
				}

				for i := range f.numBins - 1 {
					ud[i] = float64(hData[pBase+(2*f.numBins+i)*length+t])
				}

				y, lad, err := rationalQuadraticSpline(float64(row[t]), uw, uh, ud, inverse, f.tailBound)
				if err != nil {
					return nil, nil, err
				}

				row[t] = float32(y) * m
				ld += lad * float64(m)
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

var _ Flow = (*ConvFlow)(nil)
