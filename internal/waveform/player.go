package waveform

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oszuidwest/auris/internal/util"
)

// DefaultLabelInterval is the minimum time between elapsed/total label updates.
const DefaultLabelInterval = 250 * time.Millisecond

// Player errors.
var (
	ErrNotLoaded = errors.New("waveform not loaded")
	ErrClosed    = errors.New("player closed")
)

// State is the playback state of a Player.
type State int

// Player states.
const (
	StateIdle State = iota
	StateLoaded
	StatePlaying
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Source is the audio being played, typically a media element or decoder.
// Times are in seconds.
type Source interface {
	Position() float64
	Duration() float64
	Seek(seconds float64)
	Play() error
	Pause()
	Ended() bool
}

// PeakFetcher loads a peak array, typically over HTTP.
type PeakFetcher func(ctx context.Context) ([]float64, error)

// PlayerConfig configures a Player. Zero values select defaults.
type PlayerConfig struct {
	Scheduler     Scheduler
	LabelInterval time.Duration
	Now           func() time.Time
	// OnEnded is called once each time playback reaches the end.
	OnEnded func()
	// OnLabel receives every "m:ss / m:ss" label update. It runs with the
	// player locked and must not call back into the Player.
	OnLabel func(string)
}

// Player drives a Renderer from a Source. Start, stop and seek are commands;
// everything else is derived each frame.
type Player struct {
	mu sync.Mutex

	src      Source
	renderer *Renderer
	sched    Scheduler
	limiter  *rate.Limiter
	now      func() time.Time
	onEnded  func()
	onLabel  func(string)

	state       State
	progress    float64
	label       string
	cancelFrame func()
	frameGen    int
	cancelLoad  context.CancelFunc
	loadSeq     int
	closed      bool
}

// NewPlayer creates an idle player.
func NewPlayer(src Source, renderer *Renderer, cfg PlayerConfig) *Player {
	if cfg.Scheduler == nil {
		cfg.Scheduler = FrameScheduler{}
	}
	if cfg.LabelInterval <= 0 {
		cfg.LabelInterval = DefaultLabelInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Player{
		src:      src,
		renderer: renderer,
		sched:    cfg.Scheduler,
		limiter:  rate.NewLimiter(rate.Every(cfg.LabelInterval), 1),
		now:      cfg.Now,
		onEnded:  cfg.OnEnded,
		onLabel:  cfg.OnLabel,
		label:    formatLabel(0, 0),
	}
}

// Load fetches peaks and moves the player to Loaded with a static frame at
// progress 0. On failure the player stays Idle. Results that arrive after
// Close, after ctx is cancelled, or after a newer Load are discarded.
func (p *Player) Load(ctx context.Context, fetch PeakFetcher) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.cancelLoad != nil {
		p.cancelLoad()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancelLoad = cancel
	p.loadSeq++
	seq := p.loadSeq
	p.mu.Unlock()

	defer cancel()
	peaks, err := fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case seq != p.loadSeq:
		return context.Canceled
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return err
	case len(peaks) == 0:
		return ErrNotLoaded
	}

	p.cancelLoad = nil
	p.stopFrameLocked()
	p.renderer.SetPeaks(peaks)
	p.state = StateLoaded
	p.progress = 0
	p.renderer.Draw(0)
	p.setLabelLocked(0, p.src.Duration())
	return nil
}

// CanPlay reports whether playback controls should be enabled.
func (p *Player) CanPlay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.state != StateIdle
}

// Play starts playback and the frame loop. Playing from Ended restarts at 0.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	switch p.state {
	case StateIdle:
		return ErrNotLoaded
	case StatePlaying:
		return nil
	case StateEnded:
		p.src.Seek(0)
		p.progress = 0
	}
	if err := p.src.Play(); err != nil {
		return err
	}
	p.state = StatePlaying
	p.scheduleLocked()
	return nil
}

// Pause stops playback, cancels the pending frame and keeps the last frame.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return
	}
	p.src.Pause()
	p.stopFrameLocked()
	p.state = StatePaused
}

// Click seeks to the fraction x/width of the surface and repaints
// immediately. A player that had ended becomes Paused at the new position.
func (p *Player) Click(x float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.state == StateIdle {
		return ErrNotLoaded
	}
	width := p.renderer.Surface().Width()
	dur := p.src.Duration()
	if width <= 0 || !validDuration(dur) {
		return nil
	}

	ratio := clamp01(x / float64(width))
	p.src.Seek(ratio * dur)
	p.progress = ratio
	if p.state == StateEnded {
		p.state = StatePaused
	}
	p.renderer.Draw(ratio)
	p.setLabelLocked(ratio*dur, dur)
	return nil
}

// Resize changes the surface size and redraws at the current progress.
func (p *Player) Resize(width, height int, dpr float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renderer.Resize(width, height, dpr)
	if p.state != StateIdle {
		p.renderer.Draw(p.progress)
	}
}

// Close cancels any pending load and frame and stops playback.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.cancelLoad != nil {
		p.cancelLoad()
		p.cancelLoad = nil
	}
	p.stopFrameLocked()
	if p.state == StatePlaying {
		p.src.Pause()
	}
}

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Progress returns the progress of the last painted frame.
func (p *Player) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Label returns the current "elapsed / total" text.
func (p *Player) Label() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label
}

// frame paints one animation frame and schedules the next. A callback from
// an older generation already lost its place in the loop and does nothing.
func (p *Player) frame(gen int) {
	p.mu.Lock()
	if gen != p.frameGen || p.closed || p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.cancelFrame = nil

	cur, dur := p.src.Position(), p.src.Duration()
	if p.src.Ended() || (validDuration(dur) && cur >= dur) {
		p.endLocked(dur)
		onEnded := p.onEnded
		p.mu.Unlock()
		if onEnded != nil {
			onEnded()
		}
		return
	}

	progress := 0.0
	if validDuration(dur) {
		progress = clamp01(cur / dur)
	}
	p.progress = progress
	p.renderer.Draw(progress)
	if p.limiter.AllowN(p.now(), 1) {
		p.setLabelLocked(cur, dur)
	}
	p.scheduleLocked()
	p.mu.Unlock()
}

func (p *Player) endLocked(dur float64) {
	p.stopFrameLocked()
	p.progress = 1
	p.state = StateEnded
	p.renderer.Draw(1)
	p.setLabelLocked(dur, dur)
}

func (p *Player) scheduleLocked() {
	p.stopFrameLocked()
	gen := p.frameGen
	p.cancelFrame = p.sched.Schedule(func() { p.frame(gen) })
}

func (p *Player) stopFrameLocked() {
	p.frameGen++
	if p.cancelFrame != nil {
		p.cancelFrame()
		p.cancelFrame = nil
	}
}

func (p *Player) setLabelLocked(cur, dur float64) {
	if !validDuration(dur) {
		dur = 0
	}
	p.label = formatLabel(cur, dur)
	if p.onLabel != nil {
		p.onLabel(p.label)
	}
}

func formatLabel(cur, dur float64) string {
	return util.FormatClock(cur) + " / " + util.FormatClock(dur)
}

func validDuration(d float64) bool {
	return d > 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}
