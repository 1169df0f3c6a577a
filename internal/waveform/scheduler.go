package waveform

import (
	"time"
)

// DefaultFrameInterval approximates a 60 Hz display refresh.
const DefaultFrameInterval = time.Second / 60

// Scheduler runs a callback once on the next frame. The returned function
// cancels the callback if it has not run yet.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// FrameScheduler schedules callbacks on a fixed refresh interval.
type FrameScheduler struct {
	Interval time.Duration
}

// Schedule implements Scheduler.
func (s FrameScheduler) Schedule(fn func()) func() {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	t := time.AfterFunc(interval, fn)
	return func() { t.Stop() }
}
