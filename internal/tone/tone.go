// Package tone plays a short sine tone to the Icecast mount so listeners
// can check the stream path without the capture service. The tone is
// synthesized as WAV and handed to FFmpeg for encoding.
package tone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/oszuidwest/auris/internal/ffmpeg"
)

// Tone parameters.
const (
	Frequency = 440
	Seconds   = 3
)

// Mount wait parameters.
const (
	DefaultMountTimeout  = 5 * time.Second
	DefaultMountInterval = 200 * time.Millisecond
)

// Errors returned by Start.
var (
	ErrCaptureActive = errors.New("capture is active, stop it before sending a test tone")
	ErrPlaying       = errors.New("test tone already playing")
	ErrMountTimeout  = errors.New("timed out waiting for stream to become available")
)

// Launcher starts the FFmpeg process for a tone.
type Launcher func(ctx context.Context, args []string) (*ffmpeg.Process, error)

// FFmpegLauncher returns a Launcher that runs ffmpegPath.
func FFmpegLauncher(ffmpegPath string) Launcher {
	return func(ctx context.Context, args []string) (*ffmpeg.Process, error) {
		return ffmpeg.StartProcess(ctx, ffmpegPath, args)
	}
}

// Config wires a Player.
type Config struct {
	Launch    Launcher
	SourceURL string // icecast:// URL FFmpeg publishes to
	MountURL  string // http:// URL listeners connect to
	TempDir   string // where the tone WAV is written; empty uses os.TempDir

	// CaptureActive reports whether the capture service owns the mount.
	CaptureActive func(ctx context.Context) bool

	MountTimeout  time.Duration
	MountInterval time.Duration

	// OnChange is called when a tone starts or stops playing.
	OnChange func(playing bool)
}

// Player runs at most one test tone at a time.
type Player struct {
	cfg    Config
	client *retryablehttp.Client

	// base outlives the request that started the tone.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	proc     *ffmpeg.Process
	stopping bool
}

// New creates a Player.
func New(cfg Config) *Player {
	if cfg.MountTimeout <= 0 {
		cfg.MountTimeout = DefaultMountTimeout
	}
	if cfg.MountInterval <= 0 {
		cfg.MountInterval = DefaultMountInterval
	}

	client := retryablehttp.NewClient()
	client.RetryMax = int(cfg.MountTimeout / cfg.MountInterval)
	client.RetryWaitMin = cfg.MountInterval
	client.RetryWaitMax = cfg.MountInterval
	client.HTTPClient.Timeout = cfg.MountInterval * 5
	client.Logger = nil
	client.CheckRetry = retryUntilOK

	base, cancel := context.WithCancel(context.Background())
	return &Player{cfg: cfg, client: client, base: base, cancel: cancel}
}

// retryUntilOK retries every error and every non-2xx response until the
// context ends. Icecast answers 404 until the source has connected.
func retryUntilOK(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode < 200 || resp.StatusCode > 299, nil
}

// Playing reports whether a tone is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc != nil
}

// Start launches a tone and waits until the mount answers. It returns
// ErrCaptureActive or ErrPlaying when the mount is in use and
// ErrMountTimeout when the mount does not come up in time.
func (p *Player) Start(ctx context.Context) error {
	if p.cfg.CaptureActive != nil && p.cfg.CaptureActive(ctx) {
		return ErrCaptureActive
	}

	p.mu.Lock()
	if p.proc != nil {
		p.mu.Unlock()
		return ErrPlaying
	}
	wavPath, err := writeToneFile(p.cfg.TempDir)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start test tone: %w", err)
	}
	proc, err := p.cfg.Launch(p.base, ffmpeg.ToneArgs(wavPath, p.cfg.SourceURL))
	if err != nil {
		p.mu.Unlock()
		removeToneFile(wavPath)
		return fmt.Errorf("start test tone: %w", err)
	}
	p.proc = proc
	p.mu.Unlock()

	slog.Info("test tone started", "frequency", Frequency, "seconds", Seconds)
	p.changed(true)
	go p.watch(proc, wavPath)

	if err := p.waitForMount(ctx); err != nil {
		return err
	}
	return nil
}

// Stop kills a playing tone. Stopping when nothing plays is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	proc := p.proc
	if proc != nil {
		p.stopping = true
	}
	p.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}

// Close stops a playing tone and releases the Player.
func (p *Player) Close() {
	p.Stop()
	p.cancel()
}

func (p *Player) watch(proc *ffmpeg.Process, wavPath string) {
	err := proc.Wait()
	removeToneFile(wavPath)

	p.mu.Lock()
	stopped := p.stopping
	if p.proc == proc {
		p.proc = nil
		p.stopping = false
	}
	p.mu.Unlock()

	switch {
	case stopped:
		slog.Info("test tone stopped")
	case err != nil:
		slog.Warn("test tone failed", "error", err)
	default:
		slog.Info("test tone finished")
	}
	p.changed(false)
}

func (p *Player) waitForMount(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MountTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.cfg.MountURL, nil)
	if err != nil {
		return fmt.Errorf("create mount request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("test tone mount did not come up", "url", p.cfg.MountURL, "error", err)
		return ErrMountTimeout
	}
	// The mount streams forever; the status line is all that is needed.
	resp.Body.Close() //nolint:errcheck // Body is not read
	return nil
}

func removeToneFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove tone file", "path", path, "error", err)
	}
}

func (p *Player) changed(playing bool) {
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(playing)
	}
}
