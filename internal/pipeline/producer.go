// Package pipeline runs the bridge's media loops: producers that render a
// generated test signal into a new flow at the flow's rate, and consumers
// that read a flow through a source and keep statistics on what arrives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/sink"
	"github.com/zsiec/mxl/store"
)

// DefaultAudioBuffer is how much audio a producer renders per call.
const DefaultAudioBuffer = 10 * time.Millisecond

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Sink sink.Options
	// BufferDuration is the audio rendered per call.
	BufferDuration time.Duration
	// FrequencyHz is the audio tone frequency.
	FrequencyHz float64
}

// ProducerStats is a point-in-time snapshot of a producer.
type ProducerStats struct {
	Rendered uint64           `json:"rendered"`
	Errors   uint64           `json:"errors"`
	Video    *sink.VideoStats `json:"video,omitempty"`
	Audio    *sink.AudioStats `json:"audio,omitempty"`
}

// Producer renders a test signal into the flow described by its
// definition. The flow is created by Run and removed when Run returns.
type Producer struct {
	log  *slog.Logger
	dom  *store.Domain
	def  *flowdef.Definition
	opts ProducerOptions

	sink     atomic.Pointer[sink.Sink]
	rendered atomic.Uint64
	errors   atomic.Uint64
}

// NewProducer creates a Producer for def in dom. If log is nil,
// slog.Default() is used.
func NewProducer(dom *store.Domain, def *flowdef.Definition, opts ProducerOptions, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	if opts.BufferDuration <= 0 {
		opts.BufferDuration = DefaultAudioBuffer
	}
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = 1000
	}
	return &Producer{
		log:  log.With("component", "producer", "flow", def.ID),
		dom:  dom,
		def:  def,
		opts: opts,
	}
}

// Definition returns the definition of the produced flow.
func (p *Producer) Definition() *flowdef.Definition { return p.def }

// Run creates the flow and renders into it once per grain, or once per
// audio buffer, until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	s, err := sink.Open(p.dom, p.def, p.opts.Sink, p.log)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer s.Close()
	p.sink.Store(s)

	rate, err := p.def.Rate()
	if err != nil {
		return err
	}
	running := media.NewRunningClock()
	if s.Video() != nil {
		err = p.runVideo(ctx, s, rate, running)
	} else {
		err = p.runAudio(ctx, s, rate, running)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Producer) runVideo(ctx context.Context, s *sink.Sink, rate clock.Rate, running *media.RunningClock) error {
	v := p.def.Video
	_, lines, err := v.GrainLayout(p.def.MediaType)
	if err != nil {
		return err
	}
	next, err := p.dom.CurrentIndex(rate)
	if err != nil {
		return err
	}
	p.log.Info("producing colour bars", "width", v.FrameWidth, "lines", lines, "rate", rate)

	for frame := uint64(0); ; frame++ {
		pts, _ := running.RunningTime()
		p.render(s, &media.Buffer{
			PTS:    pts,
			HasPTS: true,
			Data:   ColorBars(v.FrameWidth, lines, frame),
		}, running)

		next++
		if err := clock.SleepUntilIndex(ctx, p.dom.Clock(), next, rate); err != nil {
			return err
		}
	}
}

func (p *Producer) runAudio(ctx context.Context, s *sink.Sink, rate clock.Rate, running *media.RunningClock) error {
	a := p.def.Audio
	n, err := clock.TimestampToIndex(rate, uint64(p.opts.BufferDuration))
	if err != nil {
		return err
	}
	n = max(n, 1)
	tone := NewTone(p.opts.FrequencyHz, int(rate.Numerator/rate.Denominator), a.ChannelCount)
	next, err := p.dom.CurrentIndex(rate)
	if err != nil {
		return err
	}
	p.log.Info("producing tone", "frequency", p.opts.FrequencyHz, "channels", a.ChannelCount, "samples", n)

	for {
		p.render(s, &media.Buffer{Data: tone.Next(int(n))}, running)

		next += n
		if err := clock.SleepUntilIndex(ctx, p.dom.Clock(), next, rate); err != nil {
			return err
		}
	}
}

// render hands buf to the sink. Failures are counted and logged; the loop
// keeps its cadence.
func (p *Producer) render(s *sink.Sink, buf *media.Buffer, running media.Clock) {
	if err := s.Render(buf, running); err != nil {
		p.errors.Add(1)
		p.log.Warn("render failed", "error", err)
		return
	}
	p.rendered.Add(1)
}

// Stats returns a point-in-time snapshot of the producer.
func (p *Producer) Stats() ProducerStats {
	st := ProducerStats{
		Rendered: p.rendered.Load(),
		Errors:   p.errors.Load(),
	}
	s := p.sink.Load()
	if s == nil {
		return st
	}
	if v := s.Video(); v != nil {
		vs := v.Stats()
		st.Video = &vs
	}
	if a := s.Audio(); a != nil {
		as := a.Stats()
		st.Audio = &as
	}
	return st
}
