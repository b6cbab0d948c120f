// Package ops provides the deterministic CPU kernels the flow stack is built
// on: 1-D convolution with dilation and channel groups, and scaled
// dot-product attention with key padding.
package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU 1-D convolution.
//
//	input:  [batch, in_channels, length]
//	kernel: [out_channels, in_channels/groups, kernel_size]
//	bias:   optional [out_channels]
//
// groups == in_channels with a [C,1,K] kernel gives the depthwise path used
// by the dilated depth-separable stack. Out-of-range taps contribute zero, so
// dilation factors larger than the sequence length are safe.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	p, err := prepareConv1D(input, kernel, bias, stride, padding, dilation, groups)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros([]int64{p.batch, p.outChannels, p.outLength})
	if err != nil {
		return nil, err
	}

	inData := input.RawData()
	kData := kernel.RawData()
	outData := out.RawData()

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	for b := range p.batch {
		for oc := range p.outChannels {
			g := oc / p.outPerGroup
			icBase := g * p.inPerGroup

			for ox := range p.outLength {
				sum := float32(0)
				if biasData != nil {
					sum = biasData[oc]
				}

				for ic := range p.inPerGroup {
					inRow := (b*p.inChannels + icBase + ic) * p.length
					kRow := (oc*p.inPerGroup + ic) * p.kernelSize

					for kx := range p.kernelSize {
						inPos := ox*stride - padding + kx*dilation
						if inPos < 0 || inPos >= p.length {
							continue
						}

						sum += inData[inRow+inPos] * kData[kRow+kx]
					}
				}

				outData[(b*p.outChannels+oc)*p.outLength+ox] = sum
			}
		}
	}

	return out, nil
}

type conv1DParams struct {
	batch       int64
	inChannels  int64
	length      int64
	outChannels int64
	kernelSize  int64
	outLength   int64
	inPerGroup  int64
	outPerGroup int64
}

func prepareConv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (conv1DParams, error) {
	if input == nil || kernel == nil {
		return conv1DParams{}, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || groups <= 0 {
		return conv1DParams{}, errors.New("ops: conv1d stride/dilation/groups must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return conv1DParams{}, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	p := conv1DParams{
		batch:       inShape[0],
		inChannels:  inShape[1],
		length:      inShape[2],
		outChannels: kShape[0],
		kernelSize:  kShape[2],
	}

	if p.inChannels%groups != 0 || p.outChannels%groups != 0 {
		return conv1DParams{}, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", p.inChannels, p.outChannels, groups)
	}

	if kShape[1] != p.inChannels/groups {
		return conv1DParams{}, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", kShape[1], p.inChannels/groups)
	}

	p.inPerGroup = p.inChannels / groups
	p.outPerGroup = p.outChannels / groups

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != p.outChannels {
			return conv1DParams{}, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, p.outChannels)
		}
	}

	p.outLength = (p.length+2*padding-dilation*(p.kernelSize-1)-1)/stride + 1
	if p.outLength <= 0 {
		return conv1DParams{}, fmt.Errorf("ops: conv1d produced non-positive output length %d", p.outLength)
	}

	return p, nil
}
