package waveform

import "math"

// Resample maps peaks onto width bars.
//
// Downsampling keeps the maximum of each proportional range so short
// transients stay visible; upsampling interpolates linearly. The result is a
// new slice; equal lengths return a copy.
func Resample(peaks []float64, width int) []float64 {
	if width <= 0 || len(peaks) == 0 {
		return []float64{}
	}
	n := len(peaks)
	out := make([]float64, width)

	switch {
	case n == width:
		copy(out, peaks)

	case n > width:
		ratio := float64(n) / float64(width)
		for i := range out {
			start := int(math.Floor(float64(i) * ratio))
			end := min(int(math.Floor(float64(i+1)*ratio)), n)
			var peak float64
			for _, v := range peaks[start:end] {
				if v > peak {
					peak = v
				}
			}
			out[i] = peak
		}

	default:
		if width == 1 {
			out[0] = peaks[0]
			return out
		}
		ratio := float64(n-1) / float64(width-1)
		for i := range out {
			pos := float64(i) * ratio
			lo := int(math.Floor(pos))
			hi := min(lo+1, n-1)
			frac := pos - float64(lo)
			out[i] = peaks[lo]*(1-frac) + peaks[hi]*frac
		}
	}
	return out
}
