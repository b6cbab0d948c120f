package flow

import (
	"math"
	"testing"
)

func TestLogFlowRoundTrip(t *testing.T) {
	mask := mustMask(t, []int64{4, 3}, 4)
	x := mustTensor(t, []float32{0.5, 1, 2, 4, 3, 0.25, 8, 0}, []int64{2, 1, 4})

	var l LogFlow

	z, logdet, err := l.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	back, err := l.Inverse(z, mask, nil)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	if d := maxAbsDiff(t, x, back); d > 1e-4 {
		t.Fatalf("roundtrip error %g exceeds 1e-4", d)
	}

	// logdet is the negated sum of the log outputs.
	zData := z.RawData()
	for b := range 2 {
		var want float64
		for tt := range 4 {
			want -= float64(zData[b*4+tt])
		}

		got := float64(logdet.RawData()[b])
		if math.Abs(got-want) > 1e-4 {
			t.Fatalf("logdet[%d] = %g, want %g", b, got, want)
		}
	}
}

func TestLogFlowClampsNonPositiveInput(t *testing.T) {
	mask := mustMask(t, []int64{3}, 3)
	x := mustTensor(t, []float32{0, -2, 1}, []int64{1, 1, 3})

	z, logdet, err := LogFlow{}.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	checkFinite(t, z, "clamped log output")
	checkFinite(t, logdet, "clamped log logdet")

	wantFloor := float32(math.Log(logFlowEps))
	for i := range 2 {
		if got := z.RawData()[i]; got != wantFloor {
			t.Fatalf("z[%d] = %g, want clamp floor %g", i, got, wantFloor)
		}
	}
}

func TestLogFlowPaddedPositionsStayZero(t *testing.T) {
	mask := mustMask(t, []int64{1}, 3)
	x := mustTensor(t, []float32{2, 0, 0}, []int64{1, 1, 3})

	z, _, err := LogFlow{}.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	checkPaddedZero(t, z, mask)
}
