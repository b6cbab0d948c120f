package audio

import "fmt"

// Resample converts samples from one rate to another with linear
// interpolation. Matching rates return the input unchanged.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", fromRate, toRate)
	}

	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)

	if outLen == 0 {
		outLen = 1
	}

	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * ratio

		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]

			continue
		}

		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out, nil
}
