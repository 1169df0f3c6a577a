package waveform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oszuidwest/auris/internal/audio"
	"github.com/oszuidwest/auris/internal/storage"
)

// generateTimeout bounds a single decode and reduce pass.
const generateTimeout = 5 * time.Minute

// ErrRecordingActive is returned when a waveform is requested for a recording
// that is still being written.
var ErrRecordingActive = errors.New("recording in progress")

// Result is the output of one generation pass.
type Result struct {
	Peaks    []float64
	JSON     []byte
	Hash     string
	Levels   audio.Levels
	Duration float64
}

// Waveform converts the result into its stored form.
func (r *Result) Waveform() storage.Waveform {
	return storage.Waveform{
		JSON:   r.JSON,
		Hash:   r.Hash,
		PeakDB: r.Levels.Peak,
		RMSDB:  r.Levels.RMS,
	}
}

// Generator decodes an audio file and reduces it to a peak array.
type Generator struct {
	Decoder       Decoder
	Bars          BarConfig
	Normalization Normalization
}

// Generate runs decode, extraction and encoding for one file.
func (g *Generator) Generate(ctx context.Context, path string) (*Result, error) {
	pcm, err := g.Decoder.Decode(ctx, path)
	if err != nil {
		return nil, err
	}

	duration := pcm.Duration()
	peaks := ExtractPeaks(pcm.Samples, g.Bars.BarCount(duration), g.Normalization)
	data, err := Encode(peaks)
	if err != nil {
		return nil, err
	}

	return &Result{
		Peaks:    peaks,
		JSON:     data,
		Hash:     Hash(data),
		Levels:   audio.Measure(pcm.Samples),
		Duration: duration,
	}, nil
}

// Store is the waveform cache.
type Store interface {
	Get(ctx context.Context, filename string) (*storage.Recording, error)
	Waveform(ctx context.Context, filename string) (storage.Waveform, error)
	SaveWaveform(ctx context.Context, filename string, w storage.Waveform) error
}

// Service generates waveforms on demand and caches them in the Store.
// Concurrent requests for the same file share one generation pass.
type Service struct {
	gen   *Generator
	store Store
	dir   string
	group singleflight.Group

	// OnGenerated is called after a waveform has been stored.
	OnGenerated func(filename, hash string)
	// OnFailed is called when generation for a file fails.
	OnFailed func(filename string, err error)
}

// NewService creates a Service reading recordings from dir.
func NewService(gen *Generator, store Store, dir string) *Service {
	return &Service{gen: gen, store: store, dir: dir}
}

// Ensure returns the cached waveform for filename, generating it first if
// needed. It returns storage.ErrNotFound for unknown recordings and
// ErrRecordingActive while the recording is still being written.
func (s *Service) Ensure(ctx context.Context, filename string) (storage.Waveform, error) {
	cached, err := s.store.Waveform(ctx, filename)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, storage.ErrNoWaveform) {
		return storage.Waveform{}, err
	}

	rec, err := s.store.Get(ctx, filename)
	if err != nil {
		return storage.Waveform{}, err
	}
	if rec.Active() {
		return storage.Waveform{}, ErrRecordingActive
	}

	return s.generate(ctx, filename)
}

// Regenerate generates and stores a waveform regardless of the cache.
func (s *Service) Regenerate(ctx context.Context, filename string) (storage.Waveform, error) {
	return s.generate(ctx, filename)
}

// generate runs at most one pass per filename at a time. The pass is detached
// from ctx so an abandoned request does not fail the others waiting on it;
// the caller stops waiting when ctx is done.
func (s *Service) generate(ctx context.Context, filename string) (storage.Waveform, error) {
	ch := s.group.DoChan(filename, func() (any, error) {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generateTimeout)
		defer cancel()
		return s.generateAndStore(genCtx, filename)
	})

	select {
	case <-ctx.Done():
		return storage.Waveform{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return storage.Waveform{}, res.Err
		}
		return res.Val.(storage.Waveform), nil //nolint:forcetypeassert // Only storage.Waveform is returned above
	}
}

func (s *Service) generateAndStore(ctx context.Context, filename string) (storage.Waveform, error) {
	path := filepath.Join(s.dir, filename)
	if _, err := os.Stat(path); err != nil {
		s.failed(filename, err)
		return storage.Waveform{}, fmt.Errorf("waveform source: %w", err)
	}

	start := time.Now()
	res, err := s.gen.Generate(ctx, path)
	if err != nil {
		s.failed(filename, err)
		return storage.Waveform{}, err
	}

	w := res.Waveform()
	if err := s.store.SaveWaveform(ctx, filename, w); err != nil {
		return storage.Waveform{}, err
	}

	slog.Info("waveform generated",
		"file", filename,
		"bars", len(res.Peaks),
		"duration", res.Duration,
		"hash", res.Hash,
		"elapsed", time.Since(start).Round(time.Millisecond))
	if s.OnGenerated != nil {
		s.OnGenerated(filename, res.Hash)
	}
	return w, nil
}

func (s *Service) failed(filename string, err error) {
	slog.Error("waveform generation failed", "file", filename, "error", err)
	if s.OnFailed != nil {
		s.OnFailed(filename, err)
	}
}

// BatchResult counts the outcome of a GenerateAll run.
type BatchResult struct {
	Generated int
	Skipped   int
	Failed    int
}

// GenerateAll generates waveforms for filenames. Cached waveforms are skipped
// unless force is set. Per-file failures are counted and never stop the batch.
func (s *Service) GenerateAll(ctx context.Context, filenames []string, force bool) (BatchResult, error) {
	var res BatchResult
	for _, name := range filenames {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !force {
			_, err := s.store.Waveform(ctx, name)
			if err == nil {
				res.Skipped++
				continue
			}
			if !errors.Is(err, storage.ErrNoWaveform) {
				slog.Warn("skipping recording", "file", name, "error", err)
				res.Failed++
				continue
			}
		}

		if _, err := s.generate(ctx, name); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			continue
		}
		res.Generated++
	}
	return res, nil
}
