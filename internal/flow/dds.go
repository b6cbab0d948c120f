package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// DilatedDepthSeparableConv stacks depthwise-dilated plus pointwise
// convolutions with gated activations and residual connections. Layer i uses
// dilation kernelSize^i, so the receptive field grows geometrically with
// depth. It is the shared feature extractor of the convolutional flows and
// the duration predictor.
type DilatedDepthSeparableConv struct {
	channels   int64
	kernelSize int64
	dropout    float32
	training   bool
	rng        *rand.Rand
	layers     []ddsLayer
}

type ddsLayer struct {
	depth conv // [C,1,K] depthwise, groups = channels
	point conv // 1x1, C -> 2C for the gate
}

func NewDilatedDepthSeparableConv(rng *rand.Rand, channels, kernelSize int64, numLayers int, dropout float32) (*DilatedDepthSeparableConv, error) {
	if channels <= 0 || kernelSize <= 0 || numLayers <= 0 {
		return nil, fmt.Errorf("%w: depth-separable stack needs channels/kernel/layers > 0 (got %d/%d/%d)",
			ErrInvalidInput, channels, kernelSize, numLayers)
	}

	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrInvalidInput, dropout)
	}

	rng = ensureRNG(rng)

	d := &DilatedDepthSeparableConv{
		channels:   channels,
		kernelSize: kernelSize,
		dropout:    dropout,
		rng:        rng,
		layers:     make([]ddsLayer, 0, numLayers),
	}

	dilation := int64(1)

	for i := 0; i < numLayers; i++ {
		depth, err := newConv(rng, channels, channels, kernelSize, dilation, channels)
		if err != nil {
			return nil, err
		}

		point, err := newConv(rng, channels, 2*channels, 1, 1, 1)
		if err != nil {
			return nil, err
		}

		d.layers = append(d.layers, ddsLayer{depth: depth, point: point})
		dilation *= kernelSize
	}

	return d, nil
}

// SetTraining toggles dropout. Inference mode (the default) is deterministic.
func (d *DilatedDepthSeparableConv) SetTraining(training bool) {
	d.training = training
}

// Forward runs the stack. g is optional conditioning with the same shape as
// x; it is added once before the first layer.
func (d *DilatedDepthSeparableConv) Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, err
	}

	if c, _ := x.Dim(1); c != d.channels {
		return nil, fmt.Errorf("%w: depth-separable stack expects %d channels, got %d", ErrInvalidInput, d.channels, c)
	}

	var err error

	if g != nil {
		x, err = addSameShape(x, g)
		if err != nil {
			return nil, fmt.Errorf("flow: depth-separable conditioning: %w", err)
		}
	}

	for i := range d.layers {
		x, err = applyMask(x, xMask)
		if err != nil {
			return nil, err
		}

		h, err := d.layers[i].depth.apply(x)
		if err != nil {
			return nil, fmt.Errorf("flow: depthwise conv layer %d: %w", i, err)
		}

		h, err = d.layers[i].point.apply(h)
		if err != nil {
			return nil, fmt.Errorf("flow: pointwise conv layer %d: %w", i, err)
		}

		act, err := gatedActivation(h, d.channels)
		if err != nil {
			return nil, err
		}

		d.applyDropout(act)

		x, err = addSameShape(x, act)
		if err != nil {
			return nil, err
		}
	}

	return applyMask(x, xMask)
}

// gatedActivation folds a [B, 2C, T] pre-activation into [B, C, T] via
// tanh(a) * sigmoid(b).
func gatedActivation(h *tensor.Tensor, channels int64) (*tensor.Tensor, error) {
	shape := h.Shape()
	if len(shape) != 3 || shape[1] != 2*channels {
		return nil, fmt.Errorf("%w: gate expects [B, %d, T], got %v", ErrInvalidInput, 2*channels, shape)
	}

	batch, length := int(shape[0]), int(shape[2])
	cI := int(channels)

	out, err := tensor.Zeros([]int64{shape[0], channels, shape[2]})
	if err != nil {
		return nil, err
	}

	hData := h.RawData()
	outData := out.RawData()

	for b := range batch {
		for c := range cI {
			aRow := hData[(b*2*cI+c)*length : (b*2*cI+c+1)*length]
			bRow := hData[(b*2*cI+cI+c)*length : (b*2*cI+cI+c+1)*length]
			oRow := outData[(b*cI+c)*length : (b*cI+c+1)*length]

			for t := range length {
				oRow[t] = float32(math.Tanh(float64(aRow[t])) * sigmoid64(float64(bRow[t])))
			}
		}
	}

	return out, nil
}

func (d *DilatedDepthSeparableConv) applyDropout(x *tensor.Tensor) {
	if !d.training || d.dropout == 0 {
		return
	}

	keep := 1 - d.dropout
	scale := 1 / keep
	data := x.RawData()

	for i := range data {
		if d.rng.Float32() < d.dropout {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
}
