package source

import (
	"context"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// VideoStats is a snapshot of a video reader's counters.
type VideoStats struct {
	Frames        uint64 `json:"frames"`
	FramesMissed  uint64 `json:"framesMissed"`
	PTSCorrection uint64 `json:"ptsCorrections"`
	LastIndex     uint64 `json:"lastIndex"`
}

// Video reads one grain per buffer. Output timestamps follow the frame
// count, not the grain index, so they never jump when frames are missed.
type Video struct {
	tl   Timeline
	r    *store.Reader
	rate clock.Rate
	opts Options
	log  *slog.Logger

	initialized  bool
	initialIndex uint64
	initialExt   time.Duration
	frameCounter uint64

	frames      atomic.Uint64
	missed      atomic.Uint64
	corrections atomic.Uint64
	lastIndex   atomic.Uint64
}

// NewVideo returns a video reader pacing r against tl.
func NewVideo(tl Timeline, r *store.Reader, opts Options, log *slog.Logger) *Video {
	if log == nil {
		log = slog.Default()
	}
	return &Video{
		tl:   tl,
		r:    r,
		rate: r.Config().Rate,
		opts: opts.withDefaults(),
		log:  log.With("component", "source", "media", "video", "flow", r.ID()),
	}
}

// Create reads the next grain into a buffer. A reader that has fallen
// behind the domain clock skips to the current grain; missed frames are
// not replayed.
func (v *Video) Create(ctx context.Context, ext media.Clock) (*media.Buffer, error) {
	current, err := v.tl.CurrentIndex(v.rate)
	if err != nil {
		return nil, err
	}
	now, err := runningTime(ext)
	if err != nil {
		return nil, err
	}

	if !v.initialized {
		v.initialIndex = current
		v.initialExt = now
		v.frameCounter = 0
		v.initialized = true
	}

	next := v.initialIndex + v.frameCounter
	switch {
	case next < current:
		v.missed.Add(current - next)
		v.log.Debug("reader lagging, skipping frames", "next", next, "current", current, "missed", current-next)
		next = current
	case next > current:
		v.log.Debug("reader ahead of clock", "next", next, "current", current, "ahead", next-current)
	}

	pts := frameOffset(v.frameCounter, v.rate) + v.initialExt
	if pts < now {
		v.initialExt += now - pts
		pts = now
		v.corrections.Add(1)
	}

	g, err := v.r.GetCompleteGrain(ctx, next, v.opts.GrainTimeout)
	if err != nil {
		v.log.Debug("no grain", "index", next, "error", err)
		return nil, noData(err)
	}
	if g.Info.Invalid() {
		return nil, ErrInvalidGrain
	}

	buf := &media.Buffer{
		PTS:    pts,
		HasPTS: true,
		Data:   append([]byte(nil), g.Payload...),
	}
	if d, err := clock.Duration(v.rate, next, 1); err == nil {
		buf.Duration = time.Duration(d)
	}

	v.frameCounter++
	v.frames.Add(1)
	v.lastIndex.Store(next)
	return buf, nil
}

// Stats returns a snapshot of the reader counters.
func (v *Video) Stats() VideoStats {
	return VideoStats{
		Frames:        v.frames.Load(),
		FramesMissed:  v.missed.Load(),
		PTSCorrection: v.corrections.Load(),
		LastIndex:     v.lastIndex.Load(),
	}
}

// frameOffset returns n*1e9*den/num nanoseconds, truncated.
func frameOffset(n uint64, r clock.Rate) time.Duration {
	hi, lo := bits.Mul64(n, 1_000_000_000)
	hi2, lo2 := bits.Mul64(lo, r.Denominator)
	hi = hi*r.Denominator + hi2
	if hi >= r.Numerator {
		return time.Duration(1<<63 - 1)
	}
	q, _ := bits.Div64(hi, lo2, r.Numerator)
	return time.Duration(q)
}

// runningTime reads the host clock. A nil clock counts from zero; a clock
// that has no running time yet is an error.
func runningTime(ext media.Clock) (time.Duration, error) {
	if ext == nil {
		return 0, nil
	}
	d, ok := ext.RunningTime()
	if !ok {
		return 0, ErrNoClock
	}
	return d, nil
}
