// Package flow implements the invertible transforms behind stochastic
// duration modelling: elementwise affine, flip, log, and spline-based
// convolutional flows, residual coupling layers and blocks, and the
// stochastic duration predictor that chains them.
//
// All transforms operate on dense [batch, channels, time] tensors together
// with a [batch, 1, time] validity mask. Padded positions stay zero through
// every transform and never contribute to log-determinants.
package flow

import "github.com/example/go-vits-flow/internal/runtime/tensor"

// Flow is an invertible masked transform.
//
// Forward maps x to z and returns the per-utterance log-determinant of the
// Jacobian as a [batch] tensor. Inverse maps z back to x. g is an optional
// conditioning tensor; flows that do not condition ignore it.
type Flow interface {
	Forward(x, xMask, g *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)
	Inverse(z, xMask, g *tensor.Tensor) (*tensor.Tensor, error)
}
