package flow

import (
	"math/rand"
	"testing"
)

func TestWaveNetShapeAndMask(t *testing.T) {
	rng := rand.New(rand.NewSource(81))
	mask := mustMask(t, []int64{9, 6}, 9)
	x := randMasked(t, rng, 2, 16, 9, mask)

	wn, err := NewWaveNet(rng, 16, 5, 3, 1, 0, 0)
	if err != nil {
		t.Fatalf("new wavenet: %v", err)
	}

	out, err := wn.Forward(x, mask, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if got := out.Shape(); got[0] != 2 || got[1] != 16 || got[2] != 9 {
		t.Fatalf("output shape = %v, want [2 16 9]", got)
	}

	checkFinite(t, out, "wavenet output")
	checkPaddedZero(t, out, mask)
}

func TestWaveNetRejectsEvenKernel(t *testing.T) {
	if _, err := NewWaveNet(nil, 16, 4, 3, 1, 0, 0); err == nil {
		t.Fatal("even kernel size accepted")
	}
}

func TestWaveNetGlobalConditioningRequiresSetup(t *testing.T) {
	rng := rand.New(rand.NewSource(82))
	mask := mustMask(t, []int64{4}, 4)
	x := randMasked(t, rng, 1, 8, 4, mask)

	g, err := randNormal(rng, []int64{1, 4, 1})
	if err != nil {
		t.Fatalf("rand g: %v", err)
	}

	wn, err := NewWaveNet(rng, 8, 3, 2, 1, 0, 0)
	if err != nil {
		t.Fatalf("new wavenet: %v", err)
	}

	if _, err := wn.Forward(x, mask, g); err == nil {
		t.Fatal("conditioning without a cond layer accepted")
	}

	wnCond, err := NewWaveNet(rng, 8, 3, 2, 1, 4, 0)
	if err != nil {
		t.Fatalf("new conditioned wavenet: %v", err)
	}

	if _, err := wnCond.Forward(x, mask, g); err != nil {
		t.Fatalf("conditioned forward: %v", err)
	}
}
