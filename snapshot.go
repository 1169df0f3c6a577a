package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oszuidwest/auris/internal/waveform"
)

// Snapshot fetch parameters.
const (
	snapshotRetries = 3
	snapshotTimeout = 10 * time.Second
)

// snapshotOptions describes a waveform still taken from a running dashboard.
type snapshotOptions struct {
	URL    string // GET /api/recordings/{filename}/waveform
	Out    string
	Width  int
	Height int
	At     float64 // playhead as a fraction of the recording
	Theme  waveform.Theme
}

// stillSource is a paused timeline of unit length; seeking moves the playhead.
type stillSource struct{ pos float64 }

func (s *stillSource) Position() float64 { return s.pos }
func (s *stillSource) Duration() float64 { return 1 }
func (s *stillSource) Seek(v float64)    { s.pos = v }
func (s *stillSource) Play() error       { return nil }
func (s *stillSource) Pause()            {}
func (s *stillSource) Ended() bool       { return false }

// runSnapshot loads peaks over HTTP into a player, seeks to opts.At and
// writes the painted frame as PNG.
func runSnapshot(ctx context.Context, opts snapshotOptions) error {
	if opts.Width <= 0 || opts.Height <= 0 {
		return fmt.Errorf("invalid snapshot size %dx%d", opts.Width, opts.Height)
	}

	renderer := waveform.NewRenderer(waveform.NewSurface(opts.Width, opts.Height, 1), opts.Theme)
	player := waveform.NewPlayer(&stillSource{}, renderer, waveform.PlayerConfig{})
	defer player.Close()

	client := waveform.NewHTTPClient(snapshotRetries, snapshotTimeout)
	if err := player.Load(ctx, waveform.HTTPFetcher(client, opts.URL)); err != nil {
		return fmt.Errorf("load waveform: %w", err)
	}
	if err := player.Click(opts.At * float64(opts.Width)); err != nil {
		return err
	}

	f, err := os.Create(opts.Out)
	if err != nil {
		return err
	}
	if err := renderer.WritePNG(f); err != nil {
		f.Close() //nolint:errcheck // Already failing
		return err
	}
	return f.Close()
}
