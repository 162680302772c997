package source

import (
	"time"

	"github.com/zsiec/mxl/clock"
)

// Pacing defaults.
const (
	DefaultGrainTimeout    = 5 * time.Second
	DefaultSampleTimeout   = 2 * time.Second
	DefaultProducerTimeout = 100 * time.Millisecond
	DefaultBatchSize       = 48
	DefaultCushionBatches  = 2
)

// producerPoll is how often the audio reader re-reads the head while
// waiting for the writer to get a batch ahead.
const producerPoll = time.Millisecond

// Options tunes source pacing. Zero fields take the defaults above.
type Options struct {
	// GrainTimeout bounds the wait for one video grain.
	GrainTimeout time.Duration
	// SampleTimeout bounds the wait for one audio batch.
	SampleTimeout time.Duration
	// ProducerTimeout bounds how long the audio reader waits for the head
	// to move a batch ahead before reading anyway.
	ProducerTimeout time.Duration
	// BatchSize caps the samples per channel of one audio buffer.
	BatchSize uint64
	// CushionBatches is how many batches behind the head a late audio
	// reader restarts.
	CushionBatches uint64
}

func (o Options) withDefaults() Options {
	if o.GrainTimeout <= 0 {
		o.GrainTimeout = DefaultGrainTimeout
	}
	if o.SampleTimeout <= 0 {
		o.SampleTimeout = DefaultSampleTimeout
	}
	if o.ProducerTimeout <= 0 {
		o.ProducerTimeout = DefaultProducerTimeout
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CushionBatches == 0 {
		o.CushionBatches = DefaultCushionBatches
	}
	return o
}

// Timeline is the part of a domain the readers pace against.
type Timeline interface {
	Now() uint64
	CurrentIndex(r clock.Rate) (uint64, error)
	IndexToTimestamp(r clock.Rate, index uint64) (uint64, error)
}
