package flow

import (
	"fmt"
	"math"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// ElementwiseAffine applies a learned per-channel affine transform
// z = (x*exp(logScale) + shift) * mask. Parameters start at zero, so the
// freshly constructed flow is the identity on valid positions.
type ElementwiseAffine struct {
	channels int64
	shift    *tensor.Tensor // [channels]
	logScale *tensor.Tensor // [channels]
}

func NewElementwiseAffine(channels int64) (*ElementwiseAffine, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: elementwise affine channels must be > 0, got %d", ErrInvalidInput, channels)
	}

	shift, err := tensor.Zeros([]int64{channels})
	if err != nil {
		return nil, err
	}

	logScale, err := tensor.Zeros([]int64{channels})
	if err != nil {
		return nil, err
	}

	return &ElementwiseAffine{channels: channels, shift: shift, logScale: logScale}, nil
}

func (e *ElementwiseAffine) Forward(x, xMask, _ *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := e.check(x, xMask); err != nil {
		return nil, nil, err
	}

	shape := x.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])

	z := x.Clone()
	zData := z.RawData()
	maskData := xMask.RawData()
	shiftData := e.shift.RawData()
	logsData := e.logScale.RawData()
	logdet := make([]float32, batch)

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		var ld float64

		for c := range channels {
			scale := float32(math.Exp(float64(logsData[c])))
			row := zData[(b*channels+c)*length : (b*channels+c+1)*length]

			for t, m := range mRow {
				row[t] = (row[t]*scale + shiftData[c]) * m
				ld += float64(logsData[c]) * float64(m)
			}
		}

		logdet[b] = float32(ld)
	}

	logdetT, err := tensor.New(logdet, []int64{int64(batch)})
	if err != nil {
		return nil, nil, err
	}

	return z, logdetT, nil
}

func (e *ElementwiseAffine) Inverse(z, xMask, _ *tensor.Tensor) (*tensor.Tensor, error) {
	if err := e.check(z, xMask); err != nil {
		return nil, err
	}

	shape := z.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])

	x := z.Clone()
	xData := x.RawData()
	maskData := xMask.RawData()
	shiftData := e.shift.RawData()
	logsData := e.logScale.RawData()

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		for c := range channels {
			invScale := float32(math.Exp(-float64(logsData[c])))
			row := xData[(b*channels+c)*length : (b*channels+c+1)*length]

			for t, m := range mRow {
				row[t] = (row[t] - shiftData[c]) * invScale * m
			}
		}
	}

	return x, nil
}

func (e *ElementwiseAffine) check(x, xMask *tensor.Tensor) error {
	if err := checkMasked(x, xMask); err != nil {
		return err
	}

	if c, _ := x.Dim(1); c != e.channels {
		return fmt.Errorf("%w: elementwise affine expects %d channels, got %d", ErrInvalidInput, e.channels, c)
	}

	return nil
}
