package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
)

// Format distinguishes the two delivery models of a flow.
type Format uint32

// Flow formats.
const (
	FormatDiscrete Format = iota + 1
	FormatContinuous
)

func (f Format) String() string {
	switch f {
	case FormatDiscrete:
		return "discrete"
	case FormatContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// MarshalText encodes the format by name.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a format name.
func (f *Format) UnmarshalText(b []byte) error {
	switch string(b) {
	case "discrete":
		*f = FormatDiscrete
	case "continuous":
		*f = FormatContinuous
	default:
		return fmt.Errorf("%w: flow format %q", ErrInvalidArg, b)
	}
	return nil
}

// FlowConfig is the immutable configuration of a flow, fixed when the
// flow is created and shared by every reader and writer.
type FlowConfig struct {
	ID                     uuid.UUID  `json:"id"`
	Format                 Format     `json:"format"`
	Rate                   clock.Rate `json:"rate"`
	MaxCommitBatchSizeHint uint32     `json:"maxCommitBatchSizeHint"`
	MaxSyncBatchSizeHint   uint32     `json:"maxSyncBatchSizeHint"`

	// Discrete flows.
	GrainCount  uint32 `json:"grainCount,omitempty"`
	GrainSize   uint32 `json:"grainSize,omitempty"`
	TotalSlices uint32 `json:"totalSlices,omitempty"`

	// Continuous flows.
	ChannelCount   uint32 `json:"channelCount,omitempty"`
	BufferLength   uint32 `json:"bufferLength,omitempty"`
	SampleWordSize uint32 `json:"sampleWordSize,omitempty"`
}

// Capacity returns the number of indices the flow retains: grains for
// discrete flows, samples per channel for continuous flows.
func (c FlowConfig) Capacity() uint64 {
	if c.Format == FormatDiscrete {
		return uint64(c.GrainCount)
	}
	return uint64(c.BufferLength)
}

// OldestSample returns the lowest sample index a continuous flow whose
// head is head still retains. A read of count samples ending at index is
// in the window when index-count >= OldestSample(head).
func (c FlowConfig) OldestSample(head uint64) uint64 {
	half := uint64(c.BufferLength) / 2
	if head <= half {
		return 0
	}
	return head - half
}

// FlowRuntime is the mutable state of a flow as last published by its
// writer and readers. Times are TAI nanoseconds.
type FlowRuntime struct {
	HeadIndex     uint64 `json:"headIndex"`
	LastWriteTime uint64 `json:"lastWriteTime"`
	LastReadTime  uint64 `json:"lastReadTime"`
}

// FlowInfo is a snapshot of a flow's configuration and runtime state.
type FlowInfo struct {
	Config  FlowConfig  `json:"config"`
	Runtime FlowRuntime `json:"runtime"`
}
