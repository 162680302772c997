// Package sink paces media from a host pipeline into a store flow: v210
// frames become grains, interleaved float samples become planar sample
// batches.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// ErrConflict is returned by Open when the flow already exists. A sink
// only ever writes flows it created.
var ErrConflict = errors.New("sink: flow already exists")

// Timeline is the part of a domain the sinks pace against.
type Timeline interface {
	Now() uint64
	CurrentIndex(r clock.Rate) (uint64, error)
	TimestampToIndex(r clock.Rate, ts uint64) (uint64, error)
}

// Mode selects how the video sink picks the grain index of each frame.
type Mode int

const (
	// ModeForward writes frames to consecutive grains and drops frames
	// while the writer is too far ahead of the domain clock.
	ModeForward Mode = iota
	// ModeTimestamp maps each frame's presentation time onto the domain
	// timeline and writes it at the matching grain.
	ModeTimestamp
)

func (m Mode) String() string {
	switch m {
	case ModeForward:
		return "forward"
	case ModeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode returns the Mode named s.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "forward":
		return ModeForward, nil
	case "timestamp":
		return ModeTimestamp, nil
	}
	return 0, fmt.Errorf("sink: unknown mode %q", s)
}

// DefaultAheadDivisor bounds how far a forward-mode writer may run ahead:
// at most grainCount/DefaultAheadDivisor grains.
const DefaultAheadDivisor = 2

// Options configures a Sink.
type Options struct {
	Mode Mode
	// AheadDivisor overrides DefaultAheadDivisor.
	AheadDivisor uint64
	// Flow is passed to the store when the flow is created.
	Flow *store.FlowOptions
}

// Sink owns the writer of one flow and renders host buffers into it.
type Sink struct {
	def   *flowdef.Definition
	w     *store.Writer
	video *Video
	audio *Audio
	log   *slog.Logger
}

// Open creates the flow described by def in dom and prepares a video or
// audio renderer for it.
func Open(dom *store.Domain, def *flowdef.Definition, opts Options, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sink", "flow", def.ID)

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode flow definition: %w", err)
	}
	w, created, err := dom.CreateWriter(defJSON, opts.Flow)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Warn("flow already has a writer")
		}
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if !created {
		w.Close()
		log.Warn("flow already exists")
		return nil, ErrConflict
	}

	s := &Sink{def: def, w: w, log: log}
	cfg := w.Config()
	switch cfg.Format {
	case store.FormatDiscrete:
		s.video = newVideo(dom, w, opts, log)
	case store.FormatContinuous:
		s.audio = newAudio(dom, w, def.Audio, log)
	}
	log.Info("sink opened", "format", cfg.Format, "rate", cfg.Rate, "capacity", cfg.Capacity())
	return s, nil
}

// FlowID returns the id of the flow the sink writes.
func (s *Sink) FlowID() uuid.UUID { return s.def.ID }

// Definition returns the definition the flow was created with.
func (s *Sink) Definition() *flowdef.Definition { return s.def }

// Video returns the video renderer, or nil for an audio flow.
func (s *Sink) Video() *Video { return s.video }

// Audio returns the audio renderer, or nil for a video flow.
func (s *Sink) Audio() *Audio { return s.audio }

// Render writes buf to the flow. ext is only consulted by timestamp-mode
// video.
func (s *Sink) Render(buf *media.Buffer, ext media.Clock) error {
	if s.video != nil {
		return s.video.Render(buf, ext)
	}
	return s.audio.Render(buf)
}

// Close releases the writer.
func (s *Sink) Close() error {
	s.log.Info("sink closed")
	return s.w.Close()
}
