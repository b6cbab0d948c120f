package flow

import (
	"fmt"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/ops"
	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

const layerNormEps = 1e-5

// TransformerEncoder is a small pre-norm self-attention encoder used to
// enrich the pass-through half of a coupling layer before conditioning.
// Padded key positions receive zero attention weight.
type TransformerEncoder struct {
	channels int64
	heads    int64
	layers   []*transformerLayer
}

type transformerLayer struct {
	norm1Weight, norm1Bias *tensor.Tensor
	qProj, kProj, vProj    linear
	oProj                  linear
	norm2Weight, norm2Bias *tensor.Tensor
	ff1, ff2               linear
}

func NewTransformerEncoder(rng *rand.Rand, channels, heads int64, numLayers int, ffMult int64) (*TransformerEncoder, error) {
	if channels <= 0 || heads <= 0 || numLayers <= 0 || ffMult <= 0 {
		return nil, fmt.Errorf("%w: transformer needs channels/heads/layers/ffMult > 0 (got %d/%d/%d/%d)",
			ErrInvalidInput, channels, heads, numLayers, ffMult)
	}

	if channels%heads != 0 {
		return nil, fmt.Errorf("%w: transformer channels %d not divisible by heads %d", ErrInvalidInput, channels, heads)
	}

	rng = ensureRNG(rng)
	enc := &TransformerEncoder{channels: channels, heads: heads}

	for i := 0; i < numLayers; i++ {
		layer := &transformerLayer{}

		var err error

		if layer.norm1Weight, err = tensor.Full([]int64{channels}, 1); err != nil {
			return nil, err
		}

		if layer.norm1Bias, err = tensor.Zeros([]int64{channels}); err != nil {
			return nil, err
		}

		if layer.norm2Weight, err = tensor.Full([]int64{channels}, 1); err != nil {
			return nil, err
		}

		if layer.norm2Bias, err = tensor.Zeros([]int64{channels}); err != nil {
			return nil, err
		}

		if layer.qProj, err = newLinear(rng, channels, channels); err != nil {
			return nil, err
		}

		if layer.kProj, err = newLinear(rng, channels, channels); err != nil {
			return nil, err
		}

		if layer.vProj, err = newLinear(rng, channels, channels); err != nil {
			return nil, err
		}

		if layer.oProj, err = newLinear(rng, channels, channels); err != nil {
			return nil, err
		}

		if layer.ff1, err = newLinear(rng, channels, channels*ffMult); err != nil {
			return nil, err
		}

		if layer.ff2, err = newLinear(rng, channels*ffMult, channels); err != nil {
			return nil, err
		}

		enc.layers = append(enc.layers, layer)
	}

	return enc, nil
}

// Forward encodes a [B, C, T] tensor, returning the same shape.
func (e *TransformerEncoder) Forward(x, xMask *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, err
	}

	if c, _ := x.Dim(1); c != e.channels {
		return nil, fmt.Errorf("%w: transformer expects %d channels, got %d", ErrInvalidInput, e.channels, c)
	}

	h, err := x.Transpose(1, 2) // [B, T, C]
	if err != nil {
		return nil, err
	}

	for i, layer := range e.layers {
		h, err = e.applyLayer(layer, h, xMask)
		if err != nil {
			return nil, fmt.Errorf("flow: transformer layer %d: %w", i, err)
		}
	}

	h, err = h.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	return applyMask(h, xMask)
}

func (e *TransformerEncoder) applyLayer(layer *transformerLayer, h, xMask *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := tensor.LayerNorm(h, layer.norm1Weight, layer.norm1Bias, layerNormEps)
	if err != nil {
		return nil, err
	}

	att, err := e.selfAttention(layer, normed, xMask)
	if err != nil {
		return nil, err
	}

	h, err = addSameShape(h, att)
	if err != nil {
		return nil, err
	}

	normed, err = tensor.LayerNorm(h, layer.norm2Weight, layer.norm2Bias, layerNormEps)
	if err != nil {
		return nil, err
	}

	ff, err := layer.ff1.apply(normed)
	if err != nil {
		return nil, err
	}

	reluInPlace(ff)

	ff, err = layer.ff2.apply(ff)
	if err != nil {
		return nil, err
	}

	return addSameShape(h, ff)
}

func (e *TransformerEncoder) selfAttention(layer *transformerLayer, h, xMask *tensor.Tensor) (*tensor.Tensor, error) {
	shape := h.Shape() // [B, T, C]
	batch, seq := shape[0], shape[1]
	headDim := e.channels / e.heads

	split := func(l *linear) (*tensor.Tensor, error) {
		p, err := l.apply(h)
		if err != nil {
			return nil, err
		}

		p, err = p.Reshape([]int64{batch, seq, e.heads, headDim})
		if err != nil {
			return nil, err
		}

		return p.Transpose(1, 2) // [B, H, T, Dh]
	}

	q, err := split(&layer.qProj)
	if err != nil {
		return nil, err
	}

	k, err := split(&layer.kProj)
	if err != nil {
		return nil, err
	}

	v, err := split(&layer.vProj)
	if err != nil {
		return nil, err
	}

	att, err := ops.Attention(q, k, v, xMask)
	if err != nil {
		return nil, err
	}

	att, err = att.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	att, err = att.Reshape([]int64{batch, seq, e.channels})
	if err != nil {
		return nil, err
	}

	return layer.oProj.apply(att)
}

func reluInPlace(x *tensor.Tensor) {
	data := x.RawData()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}
