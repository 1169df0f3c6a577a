package waveform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/oszuidwest/auris/internal/ffmpeg"
)

// DefaultSampleRate is the rate recordings are decoded at for peak extraction.
const DefaultSampleRate = 8000

// PCM is a buffer of mono 16-bit samples.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// Decoder turns an audio file into mono PCM.
type Decoder interface {
	Decode(ctx context.Context, path string) (PCM, error)
}

// FFmpegDecoder decodes any format FFmpeg understands.
type FFmpegDecoder struct {
	FFmpegPath string
	SampleRate int
}

// Decode implements Decoder.
func (d FFmpegDecoder) Decode(ctx context.Context, path string) (PCM, error) {
	if d.FFmpegPath == "" {
		return PCM{}, errors.New("ffmpeg not available")
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	samples, err := ffmpeg.DecodePCM(ctx, d.FFmpegPath, path, rate)
	if err != nil {
		return PCM{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return PCM{Samples: samples, SampleRate: rate}, nil
}
