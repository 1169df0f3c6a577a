// Package capture drives the capture service: streaming to Icecast and
// recording to disk are two flags of one systemd unit.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/auris/internal/alsa"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/types"
)

// DefaultSettleDelay is how long the capture service gets to open or close
// its output file after a start, restart or stop.
const DefaultSettleDelay = 500 * time.Millisecond

// finalizeTimeout bounds the background work after a recording is stopped.
const finalizeTimeout = 10 * time.Minute

// ErrInvalidDevice is returned for device ids that are not plughw:<card>,<device>.
var ErrInvalidDevice = errors.New("invalid device format")

// Units controls systemd units.
type Units interface {
	IsActive(ctx context.Context, unit string) bool
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
}

// DeviceConfig is the environment file of the capture service.
type DeviceConfig interface {
	SelectedDevice() string
	SetSelectedDevice(ctx context.Context, id string) error
	Mode() types.CaptureMode
	SetMode(ctx context.Context, stream, record *bool) error
}

// Recordings is the recordings table.
type Recordings interface {
	Insert(ctx context.Context, rec storage.NewRecording) (bool, error)
	Active(ctx context.Context) (*storage.Recording, error)
	UpdateMetadata(ctx context.Context, filename string, size int64, duration *float64) error
}

// Config wires a Controller.
type Config struct {
	Unit         string
	Dir          string
	Units        Units
	DeviceConfig DeviceConfig
	Recordings   Recordings
	Probe        storage.DurationProbe

	// SettleDelay defaults to DefaultSettleDelay. Negative disables the wait.
	SettleDelay time.Duration
	Now         func() time.Time

	// OnChange receives the status after every successful command.
	OnChange func(types.CaptureStatus)
	// OnStarted is called with the file a new recording writes to.
	OnStarted func(filename string)
	// OnFinalized is called in the background once a stopped recording has
	// its final size and duration.
	OnFinalized func(ctx context.Context, filename string)
	// OnStream is called after streaming was switched on or off.
	OnStream func(on bool)
}

// Controller serializes commands against the capture service.
type Controller struct {
	cfg Config

	// mu serializes commands so flag writes and unit restarts never interleave.
	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

// Active reports whether the capture service is running.
func (c *Controller) Active(ctx context.Context) bool {
	return c.cfg.Units.IsActive(ctx, c.cfg.Unit)
}

// Status returns the live state of the capture service.
func (c *Controller) Status(ctx context.Context) types.CaptureStatus {
	active := c.Active(ctx)
	mode := c.cfg.DeviceConfig.Mode()

	status := types.CaptureStatus{
		Streaming: active && mode.Stream,
		Recording: active && mode.Record,
	}
	if status.Recording {
		if name, err := NewestRecording(c.cfg.Dir); err == nil && name != "" {
			status.RecordingFile = &name
		}
	}
	return status
}

// StartStream switches streaming on.
func (c *Controller) StartStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	on := true
	if err := c.cfg.DeviceConfig.SetMode(ctx, &on, nil); err != nil {
		return err
	}
	if err := c.startOrRestart(ctx); err != nil {
		return err
	}

	slog.Info("stream started", "unit", c.cfg.Unit)
	if c.cfg.OnStream != nil {
		c.cfg.OnStream(true)
	}
	c.changed(ctx)
	return nil
}

// StopStream switches streaming off. The unit keeps running while a
// recording is in progress.
func (c *Controller) StopStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode := c.cfg.DeviceConfig.Mode()
	off := false
	if err := c.cfg.DeviceConfig.SetMode(ctx, &off, nil); err != nil {
		return err
	}
	if err := c.stopOrRestart(ctx, mode.Record); err != nil {
		return err
	}

	slog.Info("stream stopped", "unit", c.cfg.Unit)
	if c.cfg.OnStream != nil {
		c.cfg.OnStream(false)
	}
	c.changed(ctx)
	return nil
}

// StartRecording switches recording on and registers the new file.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	device := c.cfg.DeviceConfig.SelectedDevice()
	on := true
	if err := c.cfg.DeviceConfig.SetMode(ctx, nil, &on); err != nil {
		return err
	}
	if err := c.startOrRestart(ctx); err != nil {
		return err
	}
	if err := c.settle(ctx); err != nil {
		return err
	}

	name, err := NewestRecording(c.cfg.Dir)
	if err != nil {
		slog.Warn("no recording file found after start", "dir", c.cfg.Dir, "error", err)
	}
	if name != "" {
		if _, err := c.cfg.Recordings.Insert(ctx, storage.NewRecording{
			Filename:  name,
			Device:    &device,
			CreatedAt: c.cfg.Now(),
		}); err != nil {
			return err
		}
		slog.Info("recording started", "file", name, "device", device)
		if c.cfg.OnStarted != nil {
			c.cfg.OnStarted(name)
		}
	}

	c.changed(ctx)
	return nil
}

// StopRecording switches recording off and finalizes the active recording.
// The unit keeps running while streaming is on.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.cfg.Recordings.Active(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	mode := c.cfg.DeviceConfig.Mode()
	off := false
	if err := c.cfg.DeviceConfig.SetMode(ctx, nil, &off); err != nil {
		return err
	}
	if err := c.stopOrRestart(ctx, mode.Stream); err != nil {
		return err
	}

	if active != nil {
		if err := c.settle(ctx); err != nil {
			return err
		}
		if err := c.finalize(ctx, active.Filename); err != nil {
			return err
		}
	}

	c.changed(ctx)
	return nil
}

// SetDevice selects the ALSA capture device and restarts a running unit so
// it picks up the change.
func (c *Controller) SetDevice(ctx context.Context, id string) error {
	if !alsa.ValidDeviceID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cfg.DeviceConfig.SetSelectedDevice(ctx, id); err != nil {
		return err
	}
	if c.Active(ctx) {
		if err := c.cfg.Units.Restart(ctx, c.cfg.Unit); err != nil {
			return err
		}
	}

	slog.Info("capture device selected", "device", id)
	c.changed(ctx)
	return nil
}

// Wait blocks until background finalization work has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) startOrRestart(ctx context.Context) error {
	if c.Active(ctx) {
		return c.cfg.Units.Restart(ctx, c.cfg.Unit)
	}
	return c.cfg.Units.Start(ctx, c.cfg.Unit)
}

// stopOrRestart stops a running unit, or restarts it when keep is set so
// the remaining mode continues with the new flags.
func (c *Controller) stopOrRestart(ctx context.Context, keep bool) error {
	if !c.Active(ctx) {
		return nil
	}
	if keep {
		return c.cfg.Units.Restart(ctx, c.cfg.Unit)
	}
	return c.cfg.Units.Stop(ctx, c.cfg.Unit)
}

func (c *Controller) settle(ctx context.Context) error {
	if c.cfg.SettleDelay < 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.SettleDelay):
		return nil
	}
}

// finalize stores the final size and duration of a stopped recording and
// hands it to OnFinalized in the background.
func (c *Controller) finalize(ctx context.Context, filename string) error {
	path := filepath.Join(c.cfg.Dir, filename)
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("stopped recording is missing", "file", filename, "error", err)
		return nil
	}

	var duration *float64
	if c.cfg.Probe != nil {
		if secs, err := c.cfg.Probe(ctx, path); err == nil {
			duration = &secs
		} else {
			slog.Warn("duration probe failed", "file", filename, "error", err)
		}
	}

	if err := c.cfg.Recordings.UpdateMetadata(ctx, filename, info.Size(), duration); err != nil {
		return err
	}
	slog.Info("recording finalized", "file", filename, "size", info.Size())

	if c.cfg.OnFinalized != nil {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		c.wg.Go(func() {
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in recording finalizer", "file", filename, "panic", r)
				}
			}()
			c.cfg.OnFinalized(bg, filename)
		})
	}
	return nil
}

func (c *Controller) changed(ctx context.Context) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.Status(ctx))
	}
}

// NewestRecording returns the most recently modified .mp3 in dir, or an
// empty name when there is none.
func NewestRecording(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var (
		newest string
		mtime  time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp3") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(mtime) {
			newest, mtime = entry.Name(), info.ModTime()
		}
	}
	return newest, nil
}
