package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/ops"
	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// conv bundles 1-D convolution parameters with their geometry.
type conv struct {
	weight   *tensor.Tensor // [out, in/groups, kernel]
	bias     *tensor.Tensor // [out]
	padding  int64
	dilation int64
	groups   int64
}

func (c *conv) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv1D(x, c.weight, c.bias, 1, c.padding, c.dilation, c.groups)
}

// samePadding keeps the output length equal to the input length for odd
// kernels at stride 1.
func samePadding(kernelSize, dilation int64) int64 {
	return (kernelSize - 1) * dilation / 2
}

// newConv initializes weights uniformly in [-1/sqrt(fanIn), 1/sqrt(fanIn)].
func newConv(rng *rand.Rand, in, out, kernelSize, dilation, groups int64) (conv, error) {
	if in <= 0 || out <= 0 || kernelSize <= 0 || dilation <= 0 || groups <= 0 {
		return conv{}, fmt.Errorf("%w: conv dims must be > 0 (in=%d out=%d k=%d dilation=%d groups=%d)",
			ErrInvalidInput, in, out, kernelSize, dilation, groups)
	}

	if in%groups != 0 || out%groups != 0 {
		return conv{}, fmt.Errorf("%w: conv channels %d/%d not divisible by groups %d", ErrInvalidInput, in, out, groups)
	}

	inPerGroup := in / groups
	bound := float32(1.0 / math.Sqrt(float64(inPerGroup*kernelSize)))

	weight, err := randUniform(rng, []int64{out, inPerGroup, kernelSize}, bound)
	if err != nil {
		return conv{}, err
	}

	bias, err := randUniform(rng, []int64{out}, bound)
	if err != nil {
		return conv{}, err
	}

	return conv{
		weight:   weight,
		bias:     bias,
		padding:  samePadding(kernelSize, dilation),
		dilation: dilation,
		groups:   groups,
	}, nil
}

// newZeroConv creates a conv whose weights and bias start at zero, so the
// layer that consumes its output starts as an identity transform.
func newZeroConv(in, out, kernelSize int64) (conv, error) {
	if in <= 0 || out <= 0 || kernelSize <= 0 {
		return conv{}, fmt.Errorf("%w: conv dims must be > 0 (in=%d out=%d k=%d)", ErrInvalidInput, in, out, kernelSize)
	}

	weight, err := tensor.Zeros([]int64{out, in, kernelSize})
	if err != nil {
		return conv{}, err
	}

	bias, err := tensor.Zeros([]int64{out})
	if err != nil {
		return conv{}, err
	}

	return conv{
		weight:   weight,
		bias:     bias,
		padding:  samePadding(kernelSize, 1),
		dilation: 1,
		groups:   1,
	}, nil
}

// linear bundles dense layer parameters.
type linear struct {
	weight *tensor.Tensor // [out, in]
	bias   *tensor.Tensor // [out]
}

func (l *linear) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.weight, l.bias)
}

func newLinear(rng *rand.Rand, in, out int64) (linear, error) {
	if in <= 0 || out <= 0 {
		return linear{}, fmt.Errorf("%w: linear dims must be > 0 (in=%d out=%d)", ErrInvalidInput, in, out)
	}

	bound := float32(1.0 / math.Sqrt(float64(in)))

	weight, err := randUniform(rng, []int64{out, in}, bound)
	if err != nil {
		return linear{}, err
	}

	bias, err := randUniform(rng, []int64{out}, bound)
	if err != nil {
		return linear{}, err
	}

	return linear{weight: weight, bias: bias}, nil
}

func randUniform(rng *rand.Rand, shape []int64, bound float32) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	data := t.RawData()
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * bound
	}

	return t, nil
}

// ensureRNG returns rng, or a fixed-seed source when rng is nil so results
// stay reproducible by default.
func ensureRNG(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}

	return rand.New(rand.NewSource(1))
}
