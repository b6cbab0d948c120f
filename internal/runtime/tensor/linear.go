package tensor

import (
	"errors"
	"fmt"
)

// Linear applies y = x * W^T + b where weight shape is [out, in] and the last
// dimension of x is the input feature dimension.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	inI := int(in)
	outI := int(out)
	batch := len(x.data) / inI
	outData := make([]float32, batch*outI)
	wData := weight.data

	for bIdx := range batch {
		xRow := x.data[bIdx*inI : (bIdx+1)*inI]
		yBase := bIdx * outI

		for o := range outI {
			wRow := wData[o*inI : (o+1)*inI]

			var sum float32
			for i, v := range xRow {
				sum += v * wRow[i]
			}

			if bias != nil {
				sum += bias.data[o]
			}

			outData[yBase+o] = sum
		}
	}

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}
