// Package waveform reduces decoded audio to normalized peak arrays and
// renders them as bar visualizations synchronized to playback.
package waveform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Normalization selects how raw window peaks are scaled into [0,1].
type Normalization string

// Normalization policies.
const (
	// NormalizeMax divides every peak by the loudest one.
	NormalizeMax Normalization = "max"
	// NormalizePercentile divides by the 99th percentile peak, floored at a
	// tenth of the loudest peak, and clamps to 1.
	NormalizePercentile Normalization = "percentile"
)

const (
	percentile    = 0.99
	ceilingFloor  = 0.1
	peakPrecision = 1000
)

// ParseNormalization maps a configuration value to a Normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(s) {
	case NormalizeMax, NormalizePercentile:
		return Normalization(s), nil
	default:
		return "", fmt.Errorf("unknown normalization %q", s)
	}
}

// ExtractPeaks reduces samples to bars normalized peak magnitudes.
//
// Samples are split into bars consecutive windows of max(1, len/bars)
// samples; samples beyond the last window are dropped and windows past the
// end of a short buffer are zero. Each value is rounded to three decimals.
func ExtractPeaks(samples []int16, bars int, norm Normalization) []float64 {
	if bars <= 0 {
		return nil
	}
	peaks := make([]float64, bars)
	if len(samples) == 0 {
		return peaks
	}

	perBar := max(1, len(samples)/bars)
	for i := range peaks {
		start := i * perBar
		if start >= len(samples) {
			break
		}
		end := min(start+perBar, len(samples))
		var peak int
		for _, s := range samples[start:end] {
			v := int(s)
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		peaks[i] = float64(peak)
	}

	globalMax := floats.Max(peaks)
	if globalMax == 0 {
		return make([]float64, bars)
	}

	ceiling := globalMax
	if norm == NormalizePercentile {
		ceiling = percentileCeiling(peaks, globalMax)
	}

	floats.Scale(1/ceiling, peaks)
	for i, v := range peaks {
		peaks[i] = round3(min(1, v))
	}
	return peaks
}

// percentileCeiling returns max(p99, 0.1*globalMax) where p99 is the value at
// index floor(n*0.99) of the sorted peaks. A zero p99 falls back to globalMax.
func percentileCeiling(peaks []float64, globalMax float64) float64 {
	sorted := slices.Clone(peaks)
	slices.Sort(sorted)
	p99 := sorted[int(math.Floor(float64(len(sorted))*percentile))]
	if p99 == 0 {
		p99 = globalMax
	}
	return max(p99, globalMax*ceilingFloor)
}

func round3(v float64) float64 {
	return math.Round(v*peakPrecision) / peakPrecision
}

// BarMode selects how the target bar count is chosen.
type BarMode string

// Bar count modes.
const (
	BarsFixed  BarMode = "fixed"
	BarsScaled BarMode = "scaled"
)

// BarConfig controls the number of bars generated per recording.
type BarConfig struct {
	Mode           BarMode
	Fixed          int
	PeaksPerSecond int
	Min            int
	Max            int
}

// DefaultBarConfig returns the fixed 1600-bar configuration.
func DefaultBarConfig() BarConfig {
	return BarConfig{
		Mode:           BarsFixed,
		Fixed:          1600,
		PeaksPerSecond: 50,
		Min:            200,
		Max:            2000,
	}
}

// BarCount returns the number of bars for a recording of the given duration in seconds.
func (c BarConfig) BarCount(duration float64) int {
	if c.Mode != BarsScaled {
		return max(1, c.Fixed)
	}
	if math.IsNaN(duration) || duration < 0 {
		duration = 0
	}
	n := int(math.Round(duration * float64(c.PeaksPerSecond)))
	return max(1, min(c.Max, max(c.Min, n)))
}

// Encode serializes peaks as a JSON array.
func Encode(peaks []float64) ([]byte, error) {
	if peaks == nil {
		peaks = []float64{}
	}
	data, err := json.Marshal(peaks)
	if err != nil {
		return nil, fmt.Errorf("encode peaks: %w", err)
	}
	return data, nil
}

// Decode parses a JSON peak array and checks every value lies in [0,1].
func Decode(data []byte) ([]float64, error) {
	var peaks []float64
	if err := json.Unmarshal(data, &peaks); err != nil {
		return nil, fmt.Errorf("decode peaks: %w", err)
	}
	for i, v := range peaks {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, fmt.Errorf("decode peaks: value %v at %d out of range", v, i)
		}
	}
	return peaks, nil
}

// Hash returns the first 8 hex characters of the SHA-256 of data.
// It is used as a cache-busting version tag for waveform URLs.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8]
}
