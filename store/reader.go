package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Reader reads a flow. Any number of readers may be open on a flow, in any
// number of processes; a single Reader must not be used concurrently.
type Reader struct {
	dom    *Domain
	ff     *flowFile
	log    *slog.Logger
	closed bool
}

// ID returns the flow id.
func (r *Reader) ID() uuid.UUID { return r.ff.cfg.ID }

// Config returns the flow's immutable configuration.
func (r *Reader) Config() FlowConfig { return r.ff.cfg }

// Info returns the flow's configuration and current runtime state.
func (r *Reader) Info() (FlowInfo, error) {
	if r.closed {
		return FlowInfo{}, ErrInvalidFlowReader
	}
	if r.ff.stale() {
		return FlowInfo{}, flowErr(r.ID(), "info", ErrFlowInvalid)
	}
	return FlowInfo{Config: r.ff.cfg, Runtime: r.ff.m.runtime()}, nil
}

// GetGrain waits up to timeout for the grain at index to be committed with
// at least one valid slice. A timeout <= 0 does not wait and yields
// ErrTooEarly when the grain is not there yet.
func (r *Reader) GetGrain(ctx context.Context, index uint64, timeout time.Duration) (*Grain, error) {
	return r.getGrain(ctx, index, timeout, false)
}

// GetCompleteGrain is GetGrain but waits until every slice is valid.
func (r *Reader) GetCompleteGrain(ctx context.Context, index uint64, timeout time.Duration) (*Grain, error) {
	return r.getGrain(ctx, index, timeout, true)
}

func (r *Reader) getGrain(ctx context.Context, index uint64, timeout time.Duration, complete bool) (*Grain, error) {
	if r.closed || r.ff.cfg.Format != FormatDiscrete {
		return nil, ErrInvalidFlowReader
	}
	m := r.ff.m
	count := uint64(r.ff.cfg.GrainCount)
	slot := index % m.hdr.Slots

	var g *Grain
	err := r.await(ctx, timeout, func() (bool, error) {
		head := m.head()
		if head >= count && index <= head-count {
			return false, ErrTooLate
		}
		info, ok := loadGrainInfo(m.grain(slot))
		if !ok {
			return false, nil
		}
		switch {
		case info.Index == index:
			if info.ValidSlices == 0 || (complete && !info.Complete()) {
				return false, nil
			}
			g = &Grain{Info: info, Payload: m.grainPayload(slot)}
			return true, nil
		case info.Index != noIndex && info.Index > index:
			return false, ErrTooLate
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	m.touchRead(r.dom.clock.Now())
	return g, nil
}

// GetSamples waits up to timeout for count samples per channel ending just
// before index to be available.
func (r *Reader) GetSamples(ctx context.Context, index, count uint64, timeout time.Duration) (*Samples, error) {
	if r.closed || r.ff.cfg.Format != FormatContinuous {
		return nil, ErrInvalidFlowReader
	}
	cfg := r.ff.cfg
	length := uint64(cfg.BufferLength)
	if count == 0 || count > length/2 || count > index {
		return nil, flowErr(r.ID(), "get samples", ErrInvalidArg)
	}
	m := r.ff.m

	err := r.await(ctx, timeout, func() (bool, error) {
		head := m.head()
		if index > head {
			return false, nil
		}
		minIndex := cfg.OldestSample(head)
		if index < minIndex || index-minIndex < count {
			return false, ErrTooLate
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s, err := newSamples(m, index, count)
	if err != nil {
		return nil, flowErr(r.ID(), "get samples", err)
	}
	m.touchRead(r.dom.clock.Now())
	return s, nil
}

// await polls ready until it reports done or an error, sleeping on the
// flow's sequence word between attempts. It returns ErrTooEarly when
// timeout <= 0 and ready is not yet satisfied, ErrTimeout when the wait
// runs out, ErrFlowInvalid when the flow files disappear and ctx.Err() on
// cancellation.
func (r *Reader) await(ctx context.Context, timeout time.Duration, ready func() (bool, error)) error {
	m := r.ff.m
	seq := m.seq()
	done, err := ready()
	if err != nil || done {
		return err
	}
	if timeout <= 0 {
		return ErrTooEarly
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if r.ff.stale() {
			r.log.Warn("flow vanished while waiting")
			return ErrFlowInvalid
		}
		waitChange(&m.hdr.Seq, seq, remaining)

		seq = m.seq()
		done, err := ready()
		if err != nil || done {
			return err
		}
	}
}

// Close releases the reader.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.dom.untrackReader(r)
	return r.release()
}

func (r *Reader) release() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.ff.close()
}
