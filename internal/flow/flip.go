package flow

import "github.com/example/go-vits-flow/internal/runtime/tensor"

// Flip reverses the channel dimension. It is its own inverse and always has a
// zero log-determinant.
type Flip struct{}

func (Flip) Forward(x, xMask, _ *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, nil, err
	}

	z, err := x.FlipDim(1)
	if err != nil {
		return nil, nil, err
	}

	batch, _ := x.Dim(0)

	logdet, err := tensor.Zeros([]int64{batch})
	if err != nil {
		return nil, nil, err
	}

	return z, logdet, nil
}

func (Flip) Inverse(z, xMask, _ *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(z, xMask); err != nil {
		return nil, err
	}

	return z.FlipDim(1)
}
