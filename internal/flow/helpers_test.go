package flow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

func mustTensor(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("new tensor: %v", err)
	}

	return out
}

func mustMask(t *testing.T, lengths []int64, maxLen int64) *tensor.Tensor {
	t.Helper()

	m, err := BuildMask(lengths, maxLen)
	if err != nil {
		t.Fatalf("build mask: %v", err)
	}

	return m
}

// randMasked builds a random [B, C, T] tensor already zeroed at padded
// positions.
func randMasked(t *testing.T, rng *rand.Rand, batch, channels, length int64, mask *tensor.Tensor) *tensor.Tensor {
	t.Helper()

	x, err := randNormal(rng, []int64{batch, channels, length})
	if err != nil {
		t.Fatalf("rand tensor: %v", err)
	}

	x, err = applyMask(x, mask)
	if err != nil {
		t.Fatalf("mask tensor: %v", err)
	}

	return x
}

func maxAbsDiff(t *testing.T, a, b *tensor.Tensor) float64 {
	t.Helper()

	aData := a.RawData()

	bData := b.RawData()
	if len(aData) != len(bData) {
		t.Fatalf("size mismatch: %d vs %d", len(aData), len(bData))
	}

	var maxDiff float64

	for i := range aData {
		if d := math.Abs(float64(aData[i] - bData[i])); d > maxDiff {
			maxDiff = d
		}
	}

	return maxDiff
}

func checkFinite(t *testing.T, x *tensor.Tensor, what string) {
	t.Helper()

	for i, v := range x.RawData() {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Fatalf("%s: element %d is %v", what, i, f)
		}
	}
}

// checkPaddedZero asserts every padded position of a [B, C, T] tensor is 0.
func checkPaddedZero(t *testing.T, x, mask *tensor.Tensor) {
	t.Helper()

	shape := x.Shape()
	batch, channels, length := int(shape[0]), int(shape[1]), int(shape[2])
	xData := x.RawData()
	mData := mask.RawData()

	for b := range batch {
		for c := range channels {
			for tt := range length {
				if mData[b*length+tt] != 0 {
					continue
				}

				if v := xData[(b*channels+c)*length+tt]; v != 0 {
					t.Fatalf("padded position (b=%d c=%d t=%d) is %g, want 0", b, c, tt, v)
				}
			}
		}
	}
}
