// Package fbank extracts log-mel filterbank features from mono PCM audio.
// Frames are windowed with a Hann window, passed through a radix-2 FFT, and
// projected onto a triangular mel filterbank.
package fbank

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-vits-flow/internal/runtime/tensor"
)

// energyFloor keeps log energies finite on silent frames.
const energyFloor = 1e-10

// Config describes the feature geometry.
type Config struct {
	SampleRate  int     // Hz
	FrameLength int     // samples per frame; must be a power of two
	FrameShift  int     // samples between frame starts
	NumBins     int     // mel bins per frame
	LowFreq     float64 // lower filterbank edge in Hz
	HighFreq    float64 // upper edge in Hz; 0 means Nyquist
}

// DefaultConfig matches 16 kHz corpora: 64 ms frames with a 16 ms shift and
// 80 mel bins.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		FrameLength: 1024,
		FrameShift:  256,
		NumBins:     80,
	}
}

// Extractor converts PCM samples into [frames, bins] log-mel features. It is
// not safe for concurrent use; create one per goroutine.
type Extractor struct {
	cfg    Config
	window []float64
	fb     *melFilterbank
	ws     *fftWorkspace
	frame  []float64
}

func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("fbank: sample rate must be > 0, got %d", cfg.SampleRate)
	}

	if !isPowerOfTwo(cfg.FrameLength) {
		return nil, fmt.Errorf("fbank: frame length must be a power of two, got %d", cfg.FrameLength)
	}

	if cfg.FrameShift <= 0 || cfg.FrameShift > cfg.FrameLength {
		return nil, fmt.Errorf("fbank: frame shift %d outside (0, %d]", cfg.FrameShift, cfg.FrameLength)
	}

	if cfg.NumBins <= 0 {
		return nil, fmt.Errorf("fbank: mel bin count must be > 0, got %d", cfg.NumBins)
	}

	high := cfg.HighFreq
	if high == 0 {
		high = float64(cfg.SampleRate) / 2
	}

	if cfg.LowFreq < 0 || high <= cfg.LowFreq || high > float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("fbank: invalid band [%g, %g] for sample rate %d", cfg.LowFreq, high, cfg.SampleRate)
	}

	window := make([]float64, cfg.FrameLength)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(cfg.FrameLength-1))
	}

	return &Extractor{
		cfg:    cfg,
		window: window,
		fb:     newMelFilterbank(cfg.NumBins, cfg.FrameLength, cfg.SampleRate, cfg.LowFreq, high),
		ws:     newFFTWorkspace(cfg.FrameLength),
		frame:  make([]float64, cfg.FrameLength),
	}, nil
}

// NumFrames returns how many full frames n samples produce.
func (e *Extractor) NumFrames(n int) int {
	if n < e.cfg.FrameLength {
		return 0
	}

	return 1 + (n-e.cfg.FrameLength)/e.cfg.FrameShift
}

// Extract computes the [frames, bins] log-mel feature tensor.
func (e *Extractor) Extract(samples []float32) (*tensor.Tensor, error) {
	numFrames := e.NumFrames(len(samples))
	if numFrames == 0 {
		return nil, errors.New("fbank: input shorter than one frame")
	}

	out := make([]float32, numFrames*e.cfg.NumBins)
	energies := make([]float64, e.cfg.NumBins)

	for f := range numFrames {
		start := f * e.cfg.FrameShift
		for i := range e.frame {
			e.frame[i] = float64(samples[start+i])
		}

		e.ws.magnitudeSpectrum(e.frame, e.window)
		e.fb.applyInto(e.ws.mag, energies)

		row := out[f*e.cfg.NumBins : (f+1)*e.cfg.NumBins]
		for i, v := range energies {
			row[i] = float32(v)
		}
	}

	return tensor.New(out, []int64{int64(numFrames), int64(e.cfg.NumBins)})
}

// sparseFilter stores only the non-zero span of one triangular filter.
type sparseFilter struct {
	start  int
	coeffs []float64
}

type melFilterbank struct {
	sparse []sparseFilter
}

func newMelFilterbank(numBins, fftSize, sampleRate int, lowFreq, highFreq float64) *melFilterbank {
	nBins := fftSize/2 + 1
	lowMel := hzToMel(lowFreq)
	highMel := hzToMel(highFreq)

	// numBins+2 equally spaced mel points, converted to FFT bin indices.
	indices := make([]int, numBins+2)
	step := (highMel - lowMel) / float64(numBins+1)

	for i := range indices {
		freq := melToHz(lowMel + float64(i)*step)
		indices[i] = int(math.Floor(freq * float64(fftSize+1) / float64(sampleRate)))
	}

	fb := &melFilterbank{sparse: make([]sparseFilter, numBins)}

	for i := range numBins {
		left, center, right := indices[i], indices[i+1], indices[i+2]
		full := make([]float64, nBins)

		for j := left; j < center && j < nBins; j++ {
			if center != left {
				full[j] = float64(j-left) / float64(center-left)
			}
		}

		for j := center; j <= right && j < nBins; j++ {
			if right != center {
				full[j] = float64(right-j) / float64(right-center)
			}
		}

		start, end, found := 0, 0, false

		for j, v := range full {
			if v != 0 {
				if !found {
					start = j
					found = true
				}

				end = j + 1
			}
		}

		if found {
			fb.sparse[i] = sparseFilter{
				start:  start,
				coeffs: append([]float64(nil), full[start:end]...),
			}
		}
	}

	return fb
}

func (fb *melFilterbank) applyInto(spectrum, dst []float64) {
	for i, sf := range fb.sparse {
		var sum float64

		end := min(sf.start+len(sf.coeffs), len(spectrum))
		for j, v := range spectrum[sf.start:end] {
			sum += v * sf.coeffs[j]
		}

		if sum < energyFloor {
			sum = energyFloor
		}

		dst[i] = math.Log(sum)
	}
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10, mel/2595.0) - 1.0)
}
