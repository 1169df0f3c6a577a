// Package audio provides level metering for mono 16-bit PCM.
package audio

import (
	"math"
)

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below max to catch near-clips.
	ClipThreshold int16 = 32760
)

// Meter zone boundaries in dBFS.
const (
	RedZoneDB    = -3.0
	YellowZoneDB = -12.0
)

// Zone classifies a level for meter coloring.
type Zone string

// Meter zones.
const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  float64
	Peak        float64
	ClipCount   int
	SampleCount int
}

// ProcessSamples accumulates level data for mono samples.
func ProcessSamples(samples []int16, data *LevelData) {
	for _, s := range samples {
		v := float64(s)
		data.SumSquares += v * v
		if abs := math.Abs(v); abs > data.Peak {
			data.Peak = abs
		}
		if s >= ClipThreshold || s <= -ClipThreshold {
			data.ClipCount++
		}
		data.SampleCount++
	}
}

// Levels contains calculated audio levels in dB.
type Levels struct {
	RMS  float64
	Peak float64
	Clip int
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	if data.SampleCount == 0 {
		return Levels{RMS: MinDB, Peak: MinDB}
	}

	rms := math.Sqrt(data.SumSquares / float64(data.SampleCount))

	return Levels{
		RMS:  ToDB(rms / MaxSampleValue),
		Peak: ToDB(data.Peak / MaxSampleValue),
		Clip: data.ClipCount,
	}
}

// Measure computes levels over a whole sample buffer.
func Measure(samples []int16) Levels {
	var data LevelData
	ProcessSamples(samples, &data)
	return CalculateLevels(&data)
}

// ToDB converts a linear amplitude (1.0 = full scale) to dBFS clamped to [MinDB, 0].
func ToDB(linear float64) float64 {
	if linear <= 0 || math.IsNaN(linear) {
		return MinDB
	}
	return min(max(20*math.Log10(linear), MinDB), 0)
}

// MeterPercent maps a dB value onto a 0-100 meter scale.
func MeterPercent(db float64) float64 {
	db = min(max(db, MinDB), 0)
	return (db - MinDB) / -MinDB * 100
}

// ZoneFor returns the meter zone for a level.
func ZoneFor(db float64) Zone {
	switch {
	case db > RedZoneDB:
		return ZoneRed
	case db > YellowZoneDB:
		return ZoneYellow
	default:
		return ZoneGreen
	}
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	*d = LevelData{}
}
