package sink

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// AudioStats is a snapshot of an audio sink's counters.
type AudioStats struct {
	ChunksCommitted uint64 `json:"chunksCommitted"`
	SamplesWritten  uint64 `json:"samplesWritten"`
	NextIndex       uint64 `json:"nextIndex"`
}

// Audio de-interleaves sample buffers into the flow's channel planes.
type Audio struct {
	tl       Timeline
	w        *store.Writer
	rate     clock.Rate
	channels int
	bps      int
	maxChunk uint64
	log      *slog.Logger

	started   bool
	nextIndex uint64

	chunks  atomic.Uint64
	samples atomic.Uint64
	next    atomic.Uint64
}

func newAudio(tl Timeline, w *store.Writer, a *flowdef.Audio, log *slog.Logger) *Audio {
	cfg := w.Config()
	return &Audio{
		tl:       tl,
		w:        w,
		rate:     cfg.Rate,
		channels: a.ChannelCount,
		bps:      a.BitDepth / 8,
		maxChunk: uint64(cfg.BufferLength) / 2,
		log:      log.With("media", "audio"),
	}
}

// Render writes the interleaved samples in buf. The first call anchors the
// write position at the domain's current sample index; later calls
// continue from where the previous one ended. Buffers longer than half the
// ring are split into several commits.
func (a *Audio) Render(buf *media.Buffer) error {
	frame := a.channels * a.bps
	samples := uint64(len(buf.Data) / frame)
	if samples == 0 {
		return nil
	}
	if !a.started {
		idx, err := a.tl.CurrentIndex(a.rate)
		if err != nil {
			return err
		}
		a.nextIndex = idx
		a.started = true
	}

	src := buf.Data
	for remaining := samples; remaining > 0; {
		chunk := min(remaining, a.maxChunk)
		// A session covers [index-count, index).
		end := a.nextIndex + chunk
		access, err := a.w.OpenSamples(end, chunk)
		if err != nil {
			return err
		}
		if err := a.deinterleave(access, src[:int(chunk)*frame]); err != nil {
			access.Cancel()
			return err
		}
		if err := access.Commit(); err != nil {
			return err
		}
		a.log.Debug("committed samples", "index", a.nextIndex, "count", chunk)

		a.nextIndex = end
		src = src[int(chunk)*frame:]
		remaining -= chunk
		a.chunks.Add(1)
		a.samples.Add(chunk)
		a.next.Store(a.nextIndex)
	}
	return nil
}

// deinterleave copies sample-major, channel-minor src into each channel's
// fragments, first fragment then second.
func (a *Audio) deinterleave(access *store.SamplesAccess, src []byte) error {
	frame := a.channels * a.bps
	for ch := 0; ch < a.channels; ch++ {
		f, err := access.Channel(ch)
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		written := 0
		for off := ch * a.bps; off+a.bps <= len(src); off += frame {
			sample := src[off : off+a.bps]
			switch {
			case written+a.bps <= len(f.First):
				copy(f.First[written:], sample)
			case written-len(f.First)+a.bps <= len(f.Second):
				copy(f.Second[written-len(f.First):], sample)
			}
			written += a.bps
		}
	}
	return nil
}

// NextIndex returns the sample index the next buffer starts at.
func (a *Audio) NextIndex() uint64 { return a.nextIndex }

// Stats returns a snapshot of the sink counters.
func (a *Audio) Stats() AudioStats {
	return AudioStats{
		ChunksCommitted: a.chunks.Load(),
		SamplesWritten:  a.samples.Load(),
		NextIndex:       a.next.Load(),
	}
}
