package source

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// AudioStats is a snapshot of an audio reader's counters.
type AudioStats struct {
	Buffers       uint64 `json:"buffers"`
	CatchUps      uint64 `json:"catchUps"`
	PTSCorrection uint64 `json:"ptsCorrections"`
	Index         uint64 `json:"index"`
}

// Audio reads fixed-size batches of samples and interleaves them. Each
// batch read at index covers the samples [index-batch, index).
type Audio struct {
	tl   Timeline
	r    *store.Reader
	rate clock.Rate
	opts Options
	log  *slog.Logger

	initialized  bool
	initialTime  uint64
	initialExt   time.Duration
	index        uint64
	batchCounter uint64
	nextDiscont  bool

	buffers     atomic.Uint64
	catchUps    atomic.Uint64
	corrections atomic.Uint64
	lastIndex   atomic.Uint64
}

// NewAudio returns an audio reader pacing r against tl.
func NewAudio(tl Timeline, r *store.Reader, opts Options, log *slog.Logger) *Audio {
	if log == nil {
		log = slog.Default()
	}
	return &Audio{
		tl:   tl,
		r:    r,
		rate: r.Config().Rate,
		opts: opts.withDefaults(),
		log:  log.With("component", "source", "media", "audio", "flow", r.ID()),
	}
}

// Batch returns the samples per channel of each buffer for a flow.
func (a *Audio) Batch(cfg store.FlowConfig) uint64 {
	return min(a.opts.BatchSize, uint64(cfg.BufferLength)/2, uint64(cfg.MaxCommitBatchSizeHint))
}

// Create reads the next batch into an interleaved buffer. A reader whose
// next batch has left the flow's readable window jumps forward to a
// cushion behind the head, never older than that window, and flags the
// buffer as a discontinuity.
func (a *Audio) Create(ctx context.Context, ext media.Clock) (*media.Buffer, error) {
	info, err := a.r.Info()
	if err != nil {
		return nil, noData(err)
	}
	cfg := info.Config
	batch := a.Batch(cfg)
	head := info.Runtime.HeadIndex
	now, err := runningTime(ext)
	if err != nil {
		return nil, err
	}

	if !a.initialized {
		a.initialTime = a.tl.Now()
		a.initialExt = now
		a.index = subSat(head, batch)
		a.batchCounter = 0
		a.initialized = true
	}

	head, err = a.waitForProducer(ctx, head, batch)
	if err != nil {
		return nil, noData(err)
	}

	if oldest := cfg.OldestSample(head) + batch; a.index < oldest {
		target := max(subSat(head, a.opts.CushionBatches*batch), oldest)
		a.log.Debug("reader late, catching up", "index", a.index, "oldest", oldest, "target", target, "head", head)
		a.index = target
		a.initialTime = a.tl.Now()
		a.initialExt = now
		a.batchCounter = 0
		a.nextDiscont = true
		a.catchUps.Add(1)
	}
	if a.index < batch {
		// Nothing has been written yet.
		return nil, ErrNoData
	}

	s, err := a.r.GetSamples(ctx, a.index, batch, a.opts.SampleTimeout)
	if err != nil {
		a.log.Debug("no samples", "index", a.index, "batch", batch, "error", err)
		return nil, noData(err)
	}
	data, err := interleave(s)
	if err != nil {
		return nil, err
	}

	dur, err := clock.Duration(a.rate, a.index, batch)
	if err != nil {
		return nil, err
	}
	a.initialTime += dur

	pts := time.Duration(a.batchCounter)*frameOffset(batch, a.rate) + a.initialExt
	if pts < now {
		a.initialExt += now - pts
		pts = now
		a.corrections.Add(1)
	}

	buf := &media.Buffer{
		PTS:      pts,
		HasPTS:   true,
		Duration: time.Duration(dur),
		Discont:  a.nextDiscont,
		Data:     data,
	}
	a.nextDiscont = false
	a.batchCounter++
	a.index += batch

	a.buffers.Add(1)
	a.lastIndex.Store(a.index)
	return buf, nil
}

// waitForProducer re-reads the head until the writer is a batch ahead of
// the reader or the producer timeout runs out, and returns the last head
// seen. Running out of time is not an error; the read that follows waits
// on its own.
func (a *Audio) waitForProducer(ctx context.Context, head, batch uint64) (uint64, error) {
	deadline := time.Now().Add(a.opts.ProducerTimeout)
	for a.index+batch > head && time.Now().Before(deadline) {
		if err := clock.Sleep(ctx, producerPoll); err != nil {
			return head, err
		}
		info, err := a.r.Info()
		if err != nil {
			return head, err
		}
		head = info.Runtime.HeadIndex
	}
	return head, nil
}

// Stats returns a snapshot of the reader counters.
func (a *Audio) Stats() AudioStats {
	return AudioStats{
		Buffers:       a.buffers.Load(),
		CatchUps:      a.catchUps.Load(),
		PTSCorrection: a.corrections.Load(),
		Index:         a.lastIndex.Load(),
	}
}

// interleave joins each channel's fragments and interleaves them sample
// by sample.
func interleave(s *store.Samples) ([]byte, error) {
	word := s.WordSize()
	n := int(s.Count())
	channels := s.NumChannels()
	out := make([]byte, n*channels*word)
	for ch := 0; ch < channels; ch++ {
		f, err := s.Channel(ch)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			off := i * word
			var src []byte
			if off < len(f.First) {
				src = f.First[off : off+word]
			} else {
				off -= len(f.First)
				src = f.Second[off : off+word]
			}
			copy(out[(i*channels+ch)*word:], src)
		}
	}
	return out, nil
}

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
