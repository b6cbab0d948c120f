package flow

import (
	"math"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// logFlowEps floors the log argument so zero and negative durations stay
// finite after the transform.
const logFlowEps = 1e-5

// LogFlow maps strictly positive values into log space:
// z = log(max(x, eps)) * mask with logdet = -sum(z).
type LogFlow struct {
	// Eps overrides the clamp floor; zero means the default.
	Eps float32
}

func (l LogFlow) eps() float64 {
	if l.Eps > 0 {
		return float64(l.Eps)
	}

	return logFlowEps
}

func (l LogFlow) Forward(x, xMask, _ *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMasked(x, xMask); err != nil {
		return nil, nil, err
	}

	shape := x.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])
	eps := l.eps()

	z := x.Clone()
	zData := z.RawData()
	maskData := xMask.RawData()
	logdet := make([]float32, batch)

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		var ld float64

		for c := range channels {
			row := zData[(b*channels+c)*length : (b*channels+c+1)*length]

			for t, m := range mRow {
				v := float64(row[t])
				if v < eps {
					v = eps
				}

				lv := math.Log(v) * float64(m)
				row[t] = float32(lv)
				ld -= lv
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

func (l LogFlow) Inverse(z, xMask, _ *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMasked(z, xMask); err != nil {
		return nil, err
	}

	shape := z.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])

	x := z.Clone()
	xData := x.RawData()
	maskData := xMask.RawData()

	for b := range batch {
		mRow := maskData[b*length : (b+1)*length]

		for c := range channels {
			row := xData[(b*channels+c)*length : (b*channels+c+1)*length]

			for t, m := range mRow {
				row[t] = float32(math.Exp(float64(row[t]))) * m
			}
		}
	}

	return x, nil
}

var _ Flow = LogFlow{}
