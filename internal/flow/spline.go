package flow

import (
	"fmt"
	"math"
)

// Minimum bin geometry keeps the spline strictly monotonic even when the
// unnormalized parameters collapse.
const (
	minBinWidth   = 1e-3
	minBinHeight  = 1e-3
	minDerivative = 1e-3
)

// rationalQuadraticSpline evaluates a monotonic piecewise rational-quadratic
// spline with linear tails outside [-tailBound, tailBound].
//
// uw and uh hold the unnormalized bin widths and heights (numBins values
// each); ud holds the unnormalized interior knot derivatives (numBins-1
// values). The returned log-determinant is that of the applied direction, so
// a forward/inverse round trip sums to zero.
func rationalQuadraticSpline(x float64, uw, uh, ud []float64, inverse bool, tailBound float64) (float64, float64, error) {
	numBins := len(uw)
	if numBins < 1 || len(uh) != numBins || len(ud) != numBins-1 {
		return 0, 0, fmt.Errorf("%w: spline wants %d widths/heights and %d derivatives, got %d/%d/%d",
			ErrInvalidInput, numBins, numBins-1, len(uw), len(uh), len(ud))
	}

	if tailBound <= 0 {
		return 0, 0, fmt.Errorf("%w: spline tail bound must be > 0, got %g", ErrInvalidInput, tailBound)
	}

	if minBinWidth*float64(numBins) >= 1 || minBinHeight*float64(numBins) >= 1 {
		return 0, 0, fmt.Errorf("%w: too many spline bins (%d) for the minimum bin size", ErrInvalidInput, numBins)
	}

	// Linear tails: identity transform with zero log-determinant.
	if x < -tailBound || x > tailBound {
		return x, 0, nil
	}

	cumWidths := normalizedKnots(uw, minBinWidth, tailBound)
	cumHeights := normalizedKnots(uh, minBinHeight, tailBound)

	// Tail continuity pins the boundary derivatives at exactly 1.
	derivs := make([]float64, numBins+1)
	boundary := math.Log(math.Exp(1-minDerivative) - 1)
	derivs[0] = minDerivative + softplus64(boundary)
	derivs[numBins] = derivs[0]

	for i, v := range ud {
		derivs[i+1] = minDerivative + softplus64(v)
	}

	var bin int
	if inverse {
		bin = findBin(cumHeights, x)
	} else {
		bin = findBin(cumWidths, x)
	}

	width := cumWidths[bin+1] - cumWidths[bin]
	height := cumHeights[bin+1] - cumHeights[bin]
	delta := height / width
	d0 := derivs[bin]
	d1 := derivs[bin+1]

	if inverse {
		dy := x - cumHeights[bin]
		a := dy*(d0+d1-2*delta) + height*(delta-d0)
		b := height*d0 - dy*(d0+d1-2*delta)
		c := -delta * dy

		disc := b*b - 4*a*c
		if disc < 0 {
			return 0, 0, fmt.Errorf("flow: spline inverse discriminant %g < 0", disc)
		}

		theta := 2 * c / (-b - math.Sqrt(disc))
		y := theta*width + cumWidths[bin]

		thetaOneMinus := theta * (1 - theta)
		denom := delta + (d0+d1-2*delta)*thetaOneMinus
		derivNum := delta * delta * (d1*theta*theta + 2*delta*thetaOneMinus + d0*(1-theta)*(1-theta))

		return y, -(math.Log(derivNum) - 2*math.Log(denom)), nil
	}

	theta := (x - cumWidths[bin]) / width
	thetaOneMinus := theta * (1 - theta)

	numer := height * (delta*theta*theta + d0*thetaOneMinus)
	denom := delta + (d0+d1-2*delta)*thetaOneMinus
	y := cumHeights[bin] + numer/denom

	derivNum := delta * delta * (d1*theta*theta + 2*delta*thetaOneMinus + d0*(1-theta)*(1-theta))

	return y, math.Log(derivNum) - 2*math.Log(denom), nil
}

// normalizedKnots turns unnormalized bin sizes into cumulative knot positions
// spanning [-tailBound, tailBound], with each bin at least minSize wide.
func normalizedKnots(unnormalized []float64, minSize, tailBound float64) []float64 {
	n := len(unnormalized)

	maxV := unnormalized[0]
	for _, v := range unnormalized[1:] {
		if v > maxV {
			maxV = v
		}
	}

	var sum float64

	sizes := make([]float64, n)
	for i, v := range unnormalized {
		sizes[i] = math.Exp(v - maxV)
		sum += sizes[i]
	}

	span := 2 * tailBound
	knots := make([]float64, n+1)
	knots[0] = -tailBound

	acc := 0.0
	for i := range n {
		acc += minSize + (1-minSize*float64(n))*(sizes[i]/sum)
		knots[i+1] = -tailBound + span*acc
	}

	knots[n] = tailBound

	return knots
}

// findBin locates the bin containing x, clamping to the valid range so
// boundary values land in an adjacent bin instead of out of bounds.
func findBin(knots []float64, x float64) int {
	lo, hi := 0, len(knots)-2

	for lo < hi {
		mid := (lo + hi + 1) / 2
		if knots[mid] <= x {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return lo
}
