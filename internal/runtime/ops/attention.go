package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// PadMask sets score columns whose key position is padded to -Inf so softmax
// assigns them zero weight.
//
//	scores:  [batch, ..., query, key]
//	keyMask: [batch, 1, key] with 1 for valid positions and 0 for padding
func PadMask(scores, keyMask *tensor.Tensor) (*tensor.Tensor, error) {
	if scores == nil || keyMask == nil {
		return nil, errors.New("ops: pad mask requires non-nil scores/mask")
	}

	sShape := scores.Shape()
	if len(sShape) < 3 {
		return nil, fmt.Errorf("ops: pad mask requires rank >= 3 scores, got %v", sShape)
	}

	mShape := keyMask.Shape()
	if len(mShape) != 3 || mShape[1] != 1 {
		return nil, fmt.Errorf("ops: pad mask expects key mask [B,1,T], got %v", mShape)
	}

	batch := sShape[0]
	keys := sShape[len(sShape)-1]

	if mShape[0] != batch || mShape[2] != keys {
		return nil, fmt.Errorf("ops: pad mask shape %v does not match scores %v", mShape, sShape)
	}

	out := scores.Clone()
	data := out.RawData()
	maskData := keyMask.RawData()
	negInf := float32(math.Inf(-1))

	kI := int(keys)
	rowsPerBatch := len(data) / int(batch) / kI

	for b := range int(batch) {
		mRow := maskData[b*kI : (b+1)*kI]
		base := b * rowsPerBatch * kI

		for r := range rowsPerBatch {
			row := data[base+r*kI : base+(r+1)*kI]
			for ki, m := range mRow {
				if m == 0 {
					row[ki] = negInf
				}
			}
		}
	}

	return out, nil
}

// Attention computes scaled dot-product attention.
//
//	q: [..., tq, d], k: [..., tk, d], v: [..., tk, dv] -> [..., tq, dv]
//
// keyMask is optional; when non-nil, padded key positions receive zero
// attention weight.
func Attention(q, k, v, keyMask *tensor.Tensor) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()
	vShape := v.Shape()

	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return nil, errors.New("ops: attention requires rank >= 2 inputs")
	}

	d := qShape[len(qShape)-1]
	if d != kShape[len(kShape)-1] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[len(kShape)-1])
	}

	if kShape[len(kShape)-2] != vShape[len(vShape)-2] {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", kShape[len(kShape)-2], vShape[len(vShape)-2])
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))
	for i, v := range scores.RawData() {
		scores.RawData()[i] = v * scale
	}

	if keyMask != nil {
		scores, err = PadMask(scores, keyMask)
		if err != nil {
			return nil, fmt.Errorf("ops: attention pad mask: %w", err)
		}
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, nil
}
