package ops

import (
	"math"
	"testing"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

func mustNew(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("new tensor %v: %v", shape, err)
	}

	return out
}

func wantData(t *testing.T, got *tensor.Tensor, want []float32) {
	t.Helper()

	data := got.Data()
	if len(data) != len(want) {
		t.Fatalf("data length %d, want %d", len(data), len(want))
	}

	for i := range want {
		if math.Abs(float64(data[i]-want[i])) > 1e-5 {
			t.Fatalf("data[%d] = %g, want %g", i, data[i], want[i])
		}
	}
}

func TestConv1DIdentityKernel(t *testing.T) {
	in := mustNew(t, []float32{1, 2, 3, 4}, []int64{1, 1, 4})
	k := mustNew(t, []float32{1}, []int64{1, 1, 1})

	out, err := Conv1D(in, k, nil, 1, 0, 1, 1)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	wantData(t, out, in.Data())
}

func TestConv1DKnownValues(t *testing.T) {
	// Moving sum with same padding: out[t] = x[t-1] + x[t] + x[t+1].
	in := mustNew(t, []float32{1, 2, 3, 4}, []int64{1, 1, 4})
	k := mustNew(t, []float32{1, 1, 1}, []int64{1, 1, 3})

	out, err := Conv1D(in, k, nil, 1, 1, 1, 1)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	wantData(t, out, []float32{3, 6, 9, 7})
}

func TestConv1DBias(t *testing.T) {
	in := mustNew(t, []float32{1, 2}, []int64{1, 1, 2})
	k := mustNew(t, []float32{1, 1}, []int64{2, 1, 1})
	b := mustNew(t, []float32{10, -10}, []int64{2})

	out, err := Conv1D(in, k, b, 1, 0, 1, 1)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	wantData(t, out, []float32{11, 12, -9, -8})
}

func TestConv1DDepthwise(t *testing.T) {
	// groups == channels: each channel convolves only with its own kernel row.
	in := mustNew(t, []float32{1, 2, 3, 10, 20, 30}, []int64{1, 2, 3})
	k := mustNew(t, []float32{2, 0.5}, []int64{2, 1, 1})

	out, err := Conv1D(in, k, nil, 1, 0, 1, 2)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	wantData(t, out, []float32{2, 4, 6, 5, 10, 15})
}

func TestConv1DDilationExceedsLength(t *testing.T) {
	// Dilation 9 on a length-1 input: only the centre tap lands in range.
	in := mustNew(t, []float32{5}, []int64{1, 1, 1})
	k := mustNew(t, []float32{1, 2, 1}, []int64{1, 1, 3})

	out, err := Conv1D(in, k, nil, 1, 9, 9, 1)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	if got := out.Data()[0]; got != 10 {
		t.Fatalf("centre output = %g, want 10", got)
	}
}

func TestConv1DValidation(t *testing.T) {
	in := mustNew(t, []float32{1, 2, 3, 4}, []int64{1, 1, 4})
	k := mustNew(t, []float32{1}, []int64{1, 1, 1})

	if _, err := Conv1D(in, k, nil, 0, 0, 1, 1); err == nil {
		t.Fatal("zero stride accepted")
	}

	badK := mustNew(t, []float32{1, 1}, []int64{1, 2, 1})
	if _, err := Conv1D(in, badK, nil, 1, 0, 1, 1); err == nil {
		t.Fatal("kernel channel mismatch accepted")
	}

	badB := mustNew(t, []float32{1, 2}, []int64{2})
	if _, err := Conv1D(in, k, badB, 1, 0, 1, 1); err == nil {
		t.Fatal("bias size mismatch accepted")
	}

	if _, err := Conv1D(in, k, nil, 1, 0, 1, 3); err == nil {
		t.Fatal("indivisible groups accepted")
	}
}

func TestPadMask(t *testing.T) {
	scores := mustNew(t, []float32{1, 2, 3, 4, 5, 6}, []int64{1, 2, 3})
	mask := mustNew(t, []float32{1, 1, 0}, []int64{1, 1, 3})

	masked, err := PadMask(scores, mask)
	if err != nil {
		t.Fatalf("pad mask: %v", err)
	}

	data := masked.Data()
	for _, i := range []int{2, 5} {
		if !math.IsInf(float64(data[i]), -1) {
			t.Fatalf("padded column score = %g, want -Inf", data[i])
		}
	}

	for _, i := range []int{0, 1, 3, 4} {
		if data[i] != scores.Data()[i] {
			t.Fatalf("valid column %d modified", i)
		}
	}
}

func TestAttentionUniformWeights(t *testing.T) {
	// Identical keys give uniform attention, so the output is the value mean.
	q := mustNew(t, []float32{1, 0}, []int64{1, 1, 2})
	k := mustNew(t, []float32{1, 1, 1, 1}, []int64{1, 2, 2})
	v := mustNew(t, []float32{0, 10, 2, 20}, []int64{1, 2, 2})

	out, err := Attention(q, k, v, nil)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	wantData(t, out, []float32{1, 15})
}

func TestAttentionIgnoresPaddedKeys(t *testing.T) {
	q := mustNew(t, []float32{1, 0}, []int64{1, 1, 2})
	k := mustNew(t, []float32{1, 1, 1, 1}, []int64{1, 2, 2})
	v := mustNew(t, []float32{3, 7, 0, 0}, []int64{1, 2, 2})
	vGarbage := mustNew(t, []float32{3, 7, 500, -500}, []int64{1, 2, 2})
	mask := mustNew(t, []float32{1, 0}, []int64{1, 1, 2})

	a, err := Attention(q, k, v, mask)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	b, err := Attention(q, k, vGarbage, mask)
	if err != nil {
		t.Fatalf("attention with garbage values: %v", err)
	}

	// Padded key values must not influence the output at all.
	wantData(t, a, []float32{3, 7})
	wantData(t, b, a.Data())
}

func TestAttentionShapeChecks(t *testing.T) {
	q := mustNew(t, []float32{1, 0}, []int64{1, 1, 2})
	k := mustNew(t, []float32{1, 1, 1}, []int64{1, 1, 3})

	if _, err := Attention(q, k, k, nil); err == nil {
		t.Fatal("q/k depth mismatch accepted")
	}
}
