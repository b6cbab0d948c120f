package fbank

import "math"

// fftWorkspace holds reusable buffers for the radix-2 FFT so per-frame
// extraction does not allocate.
type fftWorkspace struct {
	bufRe []float64
	bufIm []float64
	mag   []float64 // [fftSize/2+1]
	perm  []int
	twRe  [][]float64
	twIm  [][]float64
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func newFFTWorkspace(fftSize int) *fftWorkspace {
	bits := 0
	for v := fftSize; v > 1; v >>= 1 {
		bits++
	}

	perm := make([]int, fftSize)
	for i := range perm {
		perm[i] = bitReverse(i, bits)
	}

	var twRe, twIm [][]float64

	for size := 2; size <= fftSize; size *= 2 {
		half := size / 2
		re := make([]float64, half)
		im := make([]float64, half)

		for k := range half {
			angle := -2 * math.Pi * float64(k) / float64(size)
			re[k] = math.Cos(angle)
			im[k] = math.Sin(angle)
		}

		twRe = append(twRe, re)
		twIm = append(twIm, im)
	}

	return &fftWorkspace{
		bufRe: make([]float64, fftSize),
		bufIm: make([]float64, fftSize),
		mag:   make([]float64, fftSize/2+1),
		perm:  perm,
		twRe:  twRe,
		twIm:  twIm,
	}
}

func bitReverse(x, bits int) int {
	var out int

	for range bits {
		out = out<<1 | x&1
		x >>= 1
	}

	return out
}

// magnitudeSpectrum windows the frame, runs an in-place FFT, and writes
// |FFT| for the positive-frequency bins into ws.mag.
func (ws *fftWorkspace) magnitudeSpectrum(frame, window []float64) {
	n := len(ws.bufRe)

	for i := range frame {
		ws.bufRe[i] = frame[i] * window[i]
	}

	for i := len(frame); i < n; i++ {
		ws.bufRe[i] = 0
	}

	clear(ws.bufIm)

	for i, j := range ws.perm {
		if i < j {
			ws.bufRe[i], ws.bufRe[j] = ws.bufRe[j], ws.bufRe[i]
			ws.bufIm[i], ws.bufIm[j] = ws.bufIm[j], ws.bufIm[i]
		}
	}

	for stage, size := 0, 2; size <= n; stage, size = stage+1, size*2 {
		half := size / 2
		twRe := ws.twRe[stage]
		twIm := ws.twIm[stage]

		for start := 0; start < n; start += size {
			for k := range half {
				i := start + k
				j := i + half
				tr := twRe[k]*ws.bufRe[j] - twIm[k]*ws.bufIm[j]
				ti := twRe[k]*ws.bufIm[j] + twIm[k]*ws.bufRe[j]
				ws.bufRe[j] = ws.bufRe[i] - tr
				ws.bufIm[j] = ws.bufIm[i] - ti
				ws.bufRe[i] += tr
				ws.bufIm[i] += ti
			}
		}
	}

	for i := range ws.mag {
		r := ws.bufRe[i]
		im := ws.bufIm[i]
		ws.mag[i] = math.Sqrt(r*r + im*im)
	}
}
