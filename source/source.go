// Package source paces media out of a store flow for a host pipeline.
// Video grains become frame buffers; audio sample planes become
// interleaved batches. Both derive output timestamps from the host's
// running clock and never let them move backwards.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// Stats is a snapshot of a Source. Exactly one of Video and Audio is set
// once the source has started.
type Stats struct {
	Reinits uint64      `json:"reinits"`
	Video   *VideoStats `json:"video,omitempty"`
	Audio   *AudioStats `json:"audio,omitempty"`
}

// Source reads one flow on behalf of a host. When reads stop producing
// data it reopens the flow and starts pacing afresh, unless the host is
// shutting down.
type Source struct {
	dom   *store.Domain
	id    uuid.UUID
	opts  Options
	state media.StateFunc
	flush *Flush
	log   *slog.Logger

	r *store.Reader

	mu    sync.Mutex // guards video and audio against Stats
	video *Video
	audio *Audio

	// delivered and discont are only touched by Create.
	delivered bool
	discont   bool

	reinits atomic.Uint64
}

// New returns a stopped Source for flow id. state reports the host state;
// nil means always playing.
func New(dom *store.Domain, id uuid.UUID, opts Options, state media.StateFunc, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	if state == nil {
		state = func() media.State { return media.StatePlaying }
	}
	return &Source{
		dom:   dom,
		id:    id,
		opts:  opts.withDefaults(),
		state: state,
		flush: NewFlush(),
		log:   log.With("component", "source", "flow", id),
	}
}

// Flush returns the source's unlock signal.
func (s *Source) Flush() *Flush { return s.flush }

// Start clears the flushing state and opens the flow.
func (s *Source) Start() error {
	s.flush.UnlockStop()
	s.delivered, s.discont = false, false
	if err := s.open(); err != nil {
		return fmt.Errorf("open flow %s: %w", s.id, err)
	}
	return nil
}

func (s *Source) open() error {
	r, err := s.dom.CreateReader(s.id)
	if err != nil {
		return err
	}
	s.r = r
	s.mu.Lock()
	s.video, s.audio = nil, nil
	switch r.Config().Format {
	case store.FormatDiscrete:
		s.video = NewVideo(s.dom, r, s.opts, s.log)
	case store.FormatContinuous:
		s.audio = NewAudio(s.dom, r, s.opts, s.log)
	}
	s.mu.Unlock()
	s.log.Info("flow opened", "format", r.Config().Format)
	return nil
}

// Create returns the next buffer. When no data arrives it returns ErrEOS
// if the host is flushing, paused or stopped, and otherwise reopens the
// flow and tries again. The first buffer after a reopen that follows
// delivered data is flagged as a discontinuity. ErrInvalidGrain and store
// errors other than missing data are returned as is.
func (s *Source) Create(ctx context.Context, ext media.Clock) (*media.Buffer, error) {
	for {
		buf, err := s.tryCreate(ctx, ext)
		if err == nil {
			if s.discont {
				buf.Discont = true
				s.discont = false
			}
			s.delivered = true
			return buf, nil
		}
		if !errors.Is(err, ErrNoData) {
			return nil, err
		}
		if s.flush.Flushing() || s.state().Stopping() {
			return nil, ErrEOS
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.discont = s.delivered
		s.reinit(ctx)
	}
}

func (s *Source) tryCreate(ctx context.Context, ext media.Clock) (*media.Buffer, error) {
	if s.r == nil {
		return nil, ErrNoData
	}
	fctx, cancel := s.flush.Context(ctx)
	defer cancel()
	switch {
	case s.video != nil:
		return s.video.Create(fctx, ext)
	case s.audio != nil:
		return s.audio.Create(fctx, ext)
	}
	return nil, fmt.Errorf("%w: unsupported flow format", store.ErrFlowInvalid)
}

// reinit drops the current reader and pacing state and reopens the flow.
// A flow that cannot be opened is retried on the next cycle after a short
// pause.
func (s *Source) reinit(ctx context.Context) {
	s.reinits.Add(1)
	s.closeReader()
	if err := s.open(); err != nil {
		s.log.Debug("reopen failed", "error", err)
		fctx, cancel := s.flush.Context(ctx)
		_ = clock.Sleep(fctx, s.opts.ProducerTimeout)
		cancel()
		return
	}
	s.log.Info("source reinitialized")
}

// Stop unblocks any pending Create and closes the flow.
func (s *Source) Stop() error {
	s.flush.Unlock()
	return s.closeReader()
}

func (s *Source) closeReader() error {
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

// Stats returns a snapshot of the source counters. It is safe to call
// while another goroutine is in Create.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	v, a := s.video, s.audio
	s.mu.Unlock()

	st := Stats{Reinits: s.reinits.Load()}
	if v != nil {
		vs := v.Stats()
		st.Video = &vs
	}
	if a != nil {
		as := a.Stats()
		st.Audio = &as
	}
	return st
}
