package flow

import (
	"fmt"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// WaveNet is a stack of dilated convolutions with gated activations and
// residual/skip connections. It conditions the coupling layers on the hidden
// half of the channels plus optional global features.
type WaveNet struct {
	hidden       int64
	kernelSize   int64
	baseDilation int64
	dropout      float32
	training     bool
	rng          *rand.Rand

	inConvs      []conv // hidden -> 2*hidden, dilation baseDilation^i
	resSkipConvs []conv // hidden -> 2*hidden; last layer hidden -> hidden
	condConv     *conv  // globalChannels -> 2*hidden*layers, 1x1
}

func NewWaveNet(rng *rand.Rand, hidden, kernelSize int64, numLayers int, baseDilation, globalChannels int64, dropout float32) (*WaveNet, error) {
	if hidden <= 0 || kernelSize <= 0 || numLayers <= 0 || baseDilation <= 0 {
		return nil, fmt.Errorf("%w: wavenet needs hidden/kernel/layers/dilation > 0 (got %d/%d/%d/%d)",
			ErrInvalidInput, hidden, kernelSize, numLayers, baseDilation)
	}

	if kernelSize%2 == 0 {
		return nil, fmt.Errorf("%w: wavenet kernel size must be odd, got %d", ErrInvalidInput, kernelSize)
	}

	rng = ensureRNG(rng)

	w := &WaveNet{
		hidden:       hidden,
		kernelSize:   kernelSize,
		baseDilation: baseDilation,
		dropout:      dropout,
		rng:          rng,
	}

	dilation := int64(1)

	for i := 0; i < numLayers; i++ {
		in, err := newConv(rng, hidden, 2*hidden, kernelSize, dilation, 1)
		if err != nil {
			return nil, err
		}

		w.inConvs = append(w.inConvs, in)

		resSkipOut := 2 * hidden
		if i == numLayers-1 {
			resSkipOut = hidden
		}

		rs, err := newConv(rng, hidden, resSkipOut, 1, 1, 1)
		if err != nil {
			return nil, err
		}

		w.resSkipConvs = append(w.resSkipConvs, rs)
		dilation *= baseDilation
	}

	if globalChannels > 0 {
		cc, err := newConv(rng, globalChannels, 2*hidden*int64(numLayers), 1, 1, 1)
		if err != nil {
			return nil, err
		}

		w.condConv = &cc
	}

	return w, nil
}

func (w *WaveNet) SetTraining(training bool) {
	w.training = training
}

// Forward runs the stack. g may be [B, globalChannels, 1] or
// [B, globalChannels, T]; nil means unconditioned.
func (w *WaveNet) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, err
	}

	if c, _ := x.Dim(1); c != w.hidden {
		return nil, fmt.Errorf("%w: wavenet expects %d channels, got %d", ErrInvalidInput, w.hidden, c)
	}

	var cond *tensor.Tensor

	if g != nil {
		if w.condConv == nil {
			return nil, fmt.Errorf("%w: wavenet built without global conditioning", ErrInvalidInput)
		}

		var err error

		cond, err = w.condConv.apply(g)
		if err != nil {
			return nil, fmt.Errorf("flow: wavenet conditioning conv: %w", err)
		}
	}

	shape := x.Shape()

	skip, err := tensor.Zeros([]int64{shape[0], w.hidden, shape[2]})
	if err != nil {
		return nil, err
	}

	numLayers := len(w.inConvs)

	for i := range numLayers {
		inAct, err := w.inConvs[i].apply(x)
		if err != nil {
			return nil, fmt.Errorf("flow: wavenet layer %d: %w", i, err)
		}

		if cond != nil {
			gl, err := cond.Narrow(1, int64(i)*2*w.hidden, 2*w.hidden)
			if err != nil {
				return nil, err
			}

			inAct, err = tensor.BroadcastAdd(inAct, gl)
			if err != nil {
				return nil, err
			}
		}

		acts, err := gatedActivation(inAct, w.hidden)
		if err != nil {
			return nil, err
		}

		w.applyDropout(acts)

		resSkip, err := w.resSkipConvs[i].apply(acts)
		if err != nil {
			return nil, fmt.Errorf("flow: wavenet res/skip layer %d: %w", i, err)
		}

		if i < numLayers-1 {
			res, err := resSkip.Narrow(1, 0, w.hidden)
			if err != nil {
				return nil, err
			}

			x, err = addSameShape(x, res)
			if err != nil {
				return nil, err
			}

			x, err = applyMask(x, xMask)
			if err != nil {
				return nil, err
			}

			sk, err := resSkip.Narrow(1, w.hidden, w.hidden)
			if err != nil {
				return nil, err
			}

			skip, err = addSameShape(skip, sk)
			if err != nil {
				return nil, err
			}
		} else {
			skip, err = addSameShape(skip, resSkip)
			if err != nil {
				return nil, err
			}
		}
	}

	return applyMask(skip, xMask)
}

func (w *WaveNet) applyDropout(x *tensor.Tensor) {
	if !w.training || w.dropout == 0 {
		return
	}

	keep := 1 - w.dropout
	scale := 1 / keep
	data := x.RawData()

	for i := range data {
		if w.rng.Float32() < w.dropout {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
}
