package flow

import (
	"errors"
	"fmt"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// ErrInvalidInput reports malformed caller input: bad shapes, bad lengths, or
// missing required tensors.
var ErrInvalidInput = errors.New("flow: invalid input")

// BuildMask creates a [batch, 1, maxLen] validity mask from per-utterance
// lengths. Position t of utterance b is 1 when t < lengths[b], else 0.
func BuildMask(lengths []int64, maxLen int64) (*tensor.Tensor, error) {
	if len(lengths) == 0 {
		return nil, fmt.Errorf("%w: mask requires at least one length", ErrInvalidInput)
	}

	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: mask max length must be > 0, got %d", ErrInvalidInput, maxLen)
	}

	data := make([]float32, len(lengths)*int(maxLen))

	for b, n := range lengths {
		if n <= 0 || n > maxLen {
			return nil, fmt.Errorf("%w: length %d of utterance %d outside [1, %d]", ErrInvalidInput, n, b, maxLen)
		}

		row := data[b*int(maxLen) : (b+1)*int(maxLen)]
		for t := range int(n) {
			row[t] = 1
		}
	}

	return tensor.New(data, []int64{int64(len(lengths)), 1, maxLen})
}

// checkMasked validates the standard (x, xMask) pair of a flow call.
func checkMasked(x, xMask *tensor.Tensor) error {
	if x == nil || xMask == nil {
		return fmt.Errorf("%w: x and mask must be non-nil", ErrInvalidInput)
	}

	xs := x.Shape()
	ms := xMask.Shape()

	if len(xs) != 3 {
		return fmt.Errorf("%w: x must be [batch, channels, time], got %v", ErrInvalidInput, xs)
	}

	if len(ms) != 3 || ms[1] != 1 {
		return fmt.Errorf("%w: mask must be [batch, 1, time], got %v", ErrInvalidInput, ms)
	}

	if ms[0] != xs[0] || ms[2] != xs[2] {
		return fmt.Errorf("%w: mask shape %v does not match x shape %v", ErrInvalidInput, ms, xs)
	}

	return nil
}
