package tone

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Synthesis parameters.
const (
	SampleRate = 44100
	Amplitude  = 0.5 // -6 dBFS
)

// WriteSine writes a mono 16-bit WAV of a sine at frequency Hz. The last
// 10 ms fade out so the tone ends without a click.
func WriteSine(w io.WriteSeeker, frequency, seconds, sampleRate int) error {
	if frequency <= 0 || seconds <= 0 || sampleRate <= 0 {
		return fmt.Errorf("invalid tone %d Hz, %d s at %d Hz", frequency, seconds, sampleRate)
	}

	n := seconds * sampleRate
	fade := sampleRate / 100
	data := make([]int, n)
	for i := range data {
		gain := Amplitude
		if rem := n - 1 - i; rem < fade {
			gain *= float64(rem) / float64(fade)
		}
		v := math.Sin(2 * math.Pi * float64(frequency) * float64(i) / float64(sampleRate))
		data[i] = int(math.Round(v * gain * math.MaxInt16))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write tone: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish tone: %w", err)
	}
	return nil
}

// writeToneFile renders the test tone to a temporary WAV file and returns
// its path. The caller removes the file.
func writeToneFile(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "auris-tone-*.wav")
	if err != nil {
		return "", fmt.Errorf("create tone file: %w", err)
	}
	path := f.Name()

	if err := WriteSine(f, Frequency, Seconds, SampleRate); err != nil {
		f.Close()       //nolint:errcheck // Already failing
		os.Remove(path) //nolint:errcheck // Best effort cleanup
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck // Best effort cleanup
		return "", fmt.Errorf("close tone file: %w", err)
	}
	return path, nil
}
