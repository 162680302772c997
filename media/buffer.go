// Package media defines the types exchanged between a host media pipeline
// and the pacing layer: timestamped buffers, the host's running clock and
// the host's playback state.
package media

import (
	"sync"
	"time"
)

// Buffer is one unit of media handed to a sink or produced by a source: a
// v210 frame or field for video, interleaved samples for audio.
type Buffer struct {
	PTS      time.Duration
	HasPTS   bool
	Duration time.Duration
	Discont  bool
	Data     []byte
}

// Clock is the host pipeline's running clock. The pacing layer reads it
// but never adjusts it. ok is false while the host has no running time,
// e.g. before it starts playing.
type Clock interface {
	RunningTime() (d time.Duration, ok bool)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() (time.Duration, bool)

// RunningTime calls f.
func (f ClockFunc) RunningTime() (time.Duration, bool) { return f() }

// RunningClock is a Clock that starts at zero when created and follows
// the monotonic wall clock.
type RunningClock struct {
	mu    sync.Mutex
	start time.Time
}

// NewRunningClock returns a RunningClock started now.
func NewRunningClock() *RunningClock {
	return &RunningClock{start: time.Now()}
}

// RunningTime returns the time elapsed since the clock was created or
// last reset.
func (c *RunningClock) RunningTime() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start), true
}

// Reset restarts the clock from zero.
func (c *RunningClock) Reset() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}
