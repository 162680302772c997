package store

import (
	"fmt"
)

// Fragments is one channel's view of a sample range. The range wraps at
// most once around the ring, so it is at most two contiguous byte runs.
type Fragments struct {
	First  []byte
	Second []byte
}

// Len returns the total byte length of both fragments.
func (f Fragments) Len() int { return len(f.First) + len(f.Second) }

// ringSpan locates [index-count, index) in a ring of length entries. It
// returns the start offset and the entry counts of the two fragments.
func ringSpan(index, count, length uint64) (start, first, second uint64) {
	start = (index + length - count%length) % length
	end := index % length
	if start < end {
		first = count
	} else {
		first = length - start
	}
	if first > count {
		first = count
	}
	return start, first, count - first
}

// sliceChannels returns per-channel fragments over [index-count, index).
func sliceChannels(m *mapping, index, count uint64) []Fragments {
	word := uint64(m.hdr.WordSize)
	start, first, second := ringSpan(index, count, m.hdr.Count)
	out := make([]Fragments, m.hdr.ChannelCount)
	for ch := range out {
		plane := m.plane(uint32(ch))
		a := start * word
		out[ch] = Fragments{
			First:  plane[a : a+first*word : a+first*word],
			Second: plane[0 : second*word : second*word],
		}
	}
	return out
}

// SamplesAccess is an open write session on a range of samples across
// every channel of a continuous flow.
type SamplesAccess struct {
	w        *Writer
	index    uint64
	count    uint64
	channels []Fragments
	done     bool
}

// Index returns the index just past the last sample of the session.
func (s *SamplesAccess) Index() uint64 { return s.index }

// Count returns the number of samples per channel.
func (s *SamplesAccess) Count() uint64 { return s.count }

// NumChannels returns the channel count of the flow.
func (s *SamplesAccess) NumChannels() int { return len(s.channels) }

// Channel returns the writable fragments of channel ch.
func (s *SamplesAccess) Channel(ch int) (Fragments, error) {
	if s.done {
		return Fragments{}, ErrInvalidFlowWriter
	}
	if ch < 0 || ch >= len(s.channels) {
		return Fragments{}, fmt.Errorf("%w: channel %d of %d", ErrInvalidArg, ch, len(s.channels))
	}
	return s.channels[ch], nil
}

// Commit publishes the samples and advances the flow head to Index.
func (s *SamplesAccess) Commit() error {
	if s.done {
		return flowErr(s.w.ID(), "commit samples", ErrInvalidFlowWriter)
	}
	s.finish()
	s.w.ff.m.advanceHead(s.index, s.w.dom.clock.Now())
	return nil
}

// Cancel ends the session without moving the head. It is a no-op once the
// session has been committed or cancelled.
func (s *SamplesAccess) Cancel() {
	if s.done {
		return
	}
	s.finish()
}

func (s *SamplesAccess) finish() {
	s.done = true
	if s.w.samples == s {
		s.w.samples = nil
	}
}

// Samples is a read-only view of a sample range. The fragments alias the
// shared ring.
type Samples struct {
	index    uint64
	count    uint64
	wordSize int
	channels []Fragments
}

// newSamples checks that every fragment covers exactly count words and
// lies inside its channel plane.
func newSamples(m *mapping, index, count uint64) (*Samples, error) {
	word := int(m.hdr.WordSize)
	stride := int(m.hdr.Count) * word
	channels := sliceChannels(m, index, count)
	for _, f := range channels {
		if f.Len() != int(count)*word || len(f.First) > stride || len(f.Second) > stride {
			return nil, ErrFlowInvalid
		}
	}
	return &Samples{index: index, count: count, wordSize: word, channels: channels}, nil
}

// Index returns the index just past the last sample.
func (s *Samples) Index() uint64 { return s.index }

// Count returns the number of samples per channel.
func (s *Samples) Count() uint64 { return s.count }

// WordSize returns the size of one sample in bytes.
func (s *Samples) WordSize() int { return s.wordSize }

// NumChannels returns the number of channels.
func (s *Samples) NumChannels() int { return len(s.channels) }

// Channel returns the fragments of channel ch.
func (s *Samples) Channel(ch int) (Fragments, error) {
	if ch < 0 || ch >= len(s.channels) {
		return Fragments{}, fmt.Errorf("%w: channel %d of %d", ErrInvalidArg, ch, len(s.channels))
	}
	return s.channels[ch], nil
}
