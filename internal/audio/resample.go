package audio

import (
	"fmt"
	"math"
)

// Resample converts mono samples from sourceRate to targetRate using linear
// interpolation. Each call is independent: no phase is carried between calls,
// so consecutive chunks resampled separately carry a small discontinuity at
// their seam.
func Resample(samples []float32, sourceRate, targetRate float64) ([]float32, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("resample: rates must be positive (source=%v target=%v)", sourceRate, targetRate)
	}
	ratio := sourceRate / targetRate
	targetLength := ResampledLength(len(samples), sourceRate, targetRate)
	out := make([]float32, targetLength)
	if targetLength == 0 {
		return out, nil
	}

	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(math.Floor(pos))
		frac := float32(pos - float64(idx))
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}
		a := samples[idx]
		b := samples[next]
		out[i] = a + frac*(b-a)
	}
	return out, nil
}

// ResampledLength reports how many samples Resample will produce.
func ResampledLength(n int, sourceRate, targetRate float64) int {
	if sourceRate <= 0 || targetRate <= 0 {
		return 0
	}
	return int(math.Floor(float64(n) / (sourceRate / targetRate)))
}
