package sink

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// VideoStats is a snapshot of a video sink's counters.
type VideoStats struct {
	GrainsWritten uint64 `json:"grainsWritten"`
	GrainsSkipped uint64 `json:"grainsSkipped"`
	Clamps        uint64 `json:"clamps"`
	LastIndex     uint64 `json:"lastIndex"`
}

// Video writes one frame per grain.
type Video struct {
	tl         Timeline
	w          *store.Writer
	rate       clock.Rate
	grainCount uint64
	mode       Mode
	divisor    uint64
	log        *slog.Logger

	started    bool
	grainIndex uint64
	offsetSet  bool
	offset     int64

	written   atomic.Uint64
	skipped   atomic.Uint64
	clamps    atomic.Uint64
	lastIndex atomic.Uint64
}

func newVideo(tl Timeline, w *store.Writer, opts Options, log *slog.Logger) *Video {
	cfg := w.Config()
	divisor := opts.AheadDivisor
	if divisor == 0 {
		divisor = DefaultAheadDivisor
	}
	return &Video{
		tl:         tl,
		w:          w,
		rate:       cfg.Rate,
		grainCount: uint64(cfg.GrainCount),
		mode:       opts.Mode,
		divisor:    divisor,
		log:        log.With("media", "video", "mode", opts.Mode),
	}
}

// Render writes buf to the grain chosen by the sink's mode. A frame
// dropped because the writer is too far ahead, or because its timestamp
// falls behind the readable window, is not an error.
func (v *Video) Render(buf *media.Buffer, ext media.Clock) error {
	current, err := v.tl.CurrentIndex(v.rate)
	if err != nil {
		return err
	}
	if !v.started {
		v.grainIndex = current
		v.started = true
	}

	switch v.mode {
	case ModeTimestamp:
		return v.renderTimestamp(buf, ext, current)
	default:
		return v.renderForward(buf, current)
	}
}

func (v *Video) renderForward(buf *media.Buffer, current uint64) error {
	diff := int64(v.grainIndex - current)
	if diff >= int64(v.grainCount/v.divisor) {
		v.skipped.Add(1)
		v.log.Debug("writer ahead, dropping frame", "index", v.grainIndex, "current", current)
		return nil
	}
	if err := v.write(v.grainIndex, buf.Data); err != nil {
		return err
	}
	v.grainIndex++
	return nil
}

func (v *Video) renderTimestamp(buf *media.Buffer, ext media.Clock, current uint64) error {
	if !v.offsetSet {
		var rt int64
		if ext != nil {
			if d, ok := ext.RunningTime(); ok {
				rt = int64(d)
			} else {
				v.log.Debug("host clock has no running time, anchoring at zero")
			}
		}
		v.offset = int64(v.tl.Now()) - rt
		v.offsetSet = true
	}

	target := current
	if buf.HasPTS {
		ts := int64(buf.PTS) + v.offset
		if ts > 0 {
			idx, err := v.tl.TimestampToIndex(v.rate, uint64(ts))
			if err != nil {
				return err
			}
			target = idx
		}
	}
	if target > current && target-current > v.grainCount {
		v.clamps.Add(1)
		v.log.Debug("target beyond ring horizon, clamping", "target", target, "current", current)
		target = current + v.grainCount - 1
	}

	if err := v.write(target, buf.Data); err != nil {
		if errors.Is(err, store.ErrTooLate) {
			v.skipped.Add(1)
			v.log.Debug("target behind ring window, dropping frame", "target", target, "current", current)
			return nil
		}
		return err
	}
	v.grainIndex = target + 1
	return nil
}

// write copies data into the grain at index. Short data is zero-padded;
// long data is truncated.
func (v *Video) write(index uint64, data []byte) error {
	err := v.w.WriteGrain(index, func(g *store.GrainAccess) error {
		n := copy(g.Payload(), data)
		clear(g.Payload()[n:])
		return g.Commit(g.TotalSlices())
	})
	if err != nil {
		return err
	}
	v.written.Add(1)
	v.lastIndex.Store(index)
	return nil
}

// NextIndex returns the grain index the next forward-mode frame targets.
func (v *Video) NextIndex() uint64 { return v.grainIndex }

// Stats returns a snapshot of the sink counters.
func (v *Video) Stats() VideoStats {
	return VideoStats{
		GrainsWritten: v.written.Load(),
		GrainsSkipped: v.skipped.Load(),
		Clamps:        v.clamps.Load(),
		LastIndex:     v.lastIndex.Load(),
	}
}
