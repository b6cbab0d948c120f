package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

func applyMask(x, xMask *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BroadcastMul(x, xMask)
}

// sumPerBatch reduces a [batch, ...] tensor to a [batch] tensor by summing
// everything after the batch dimension.
func sumPerBatch(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) < 1 {
		return nil, fmt.Errorf("%w: per-batch sum requires rank >= 1, got %v", ErrInvalidInput, shape)
	}

	batch := int(shape[0])
	per := x.ElemCount() / batch
	data := x.RawData()
	out := make([]float32, batch)

	for b := range batch {
		var sum float64
		for _, v := range data[b*per : (b+1)*per] {
			sum += float64(v)
		}

		out[b] = float32(sum)
	}

	return tensor.New(out, []int64{int64(batch)})
}

func addSameShape(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	as := a.Shape()

	bs := b.Shape()
	if len(as) != len(bs) {
		return nil, fmt.Errorf("%w: add rank mismatch %v vs %v", ErrInvalidInput, as, bs)
	}

	for i := range as {
		if as[i] != bs[i] {
			return nil, fmt.Errorf("%w: add shape mismatch %v vs %v", ErrInvalidInput, as, bs)
		}
	}

	out := a.Clone()
	dst := out.RawData()

	for i, v := range b.RawData() {
		dst[i] += v
	}

	return out, nil
}

func addBatchTensors(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return addSameShape(a, b)
}

// randNormal draws standard-normal samples into a fresh tensor.
func randNormal(rng *rand.Rand, shape []int64) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	data := t.RawData()
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	return t, nil
}

func sigmoid64(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}

	e := math.Exp(x)

	return e / (1.0 + e)
}

// logSigmoid64 computes log(sigmoid(x)) without overflow for large |x|.
func logSigmoid64(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}

	return x - math.Log1p(math.Exp(x))
}

func softplus64(x float64) float64 {
	if x > 30 {
		return x
	}

	return math.Log1p(math.Exp(x))
}
