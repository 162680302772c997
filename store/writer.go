package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// Writer is the single writer of a flow. It holds at most one open grain or
// sample session at a time and must not be used from more than one
// goroutine at once.
type Writer struct {
	dom      *Domain
	ff       *flowFile
	lockFile *os.File
	log      *slog.Logger

	grain   *GrainAccess
	samples *SamplesAccess
	closed  bool
}

// ID returns the flow id.
func (w *Writer) ID() uuid.UUID { return w.ff.cfg.ID }

// Config returns the flow's immutable configuration.
func (w *Writer) Config() FlowConfig { return w.ff.cfg }

// Info returns the flow's configuration and current runtime state.
func (w *Writer) Info() (FlowInfo, error) {
	if w.closed {
		return FlowInfo{}, ErrInvalidFlowWriter
	}
	return FlowInfo{Config: w.ff.cfg, Runtime: w.ff.m.runtime()}, nil
}

func (w *Writer) checkSession(f Format) error {
	switch {
	case w.closed:
		return ErrInvalidFlowWriter
	case w.ff.cfg.Format != f:
		return ErrInvalidFlowWriter
	case w.grain != nil || w.samples != nil:
		return ErrInvalidFlowWriter
	}
	return nil
}

// OpenGrain opens a write session on the grain at index. Nothing becomes
// visible to readers until the session is committed. An index that has
// already left the readable window yields ErrTooLate.
//
// If the slot still holds a readable grain (the same index being
// rewritten, or a grain the new index is about to push out of the window),
// that grain is withdrawn for the length of the session: readers wait on it
// as if it had not been written yet. Cancel puts it back unchanged.
func (w *Writer) OpenGrain(index uint64) (*GrainAccess, error) {
	if err := w.checkSession(FormatDiscrete); err != nil {
		return nil, flowErr(w.ID(), "open grain", err)
	}
	if index == noIndex {
		return nil, flowErr(w.ID(), "open grain", ErrInvalidArg)
	}
	m := w.ff.m
	count := uint64(w.ff.cfg.GrainCount)
	head := m.head()
	if !inWindow(index, head, count) {
		return nil, flowErr(w.ID(), "open grain", ErrTooLate)
	}

	slot := index % m.hdr.Slots
	g := &GrainAccess{
		w:       w,
		index:   index,
		slot:    slot,
		payload: m.grainPayload(slot),
	}
	gh := m.grain(slot)
	if info, _ := loadGrainInfo(gh); info.Index != noIndex && inWindow(info.Index, head, count) {
		g.saved = &savedGrain{
			header:  *gh,
			payload: append([]byte(nil), g.payload...),
		}
		atomic.StoreUint64(&gh.Index, noIndex)
	}
	w.grain = g
	return g, nil
}

// inWindow reports whether a grain at index is not yet too late for a flow
// of count grains whose head is head.
func inWindow(index, head, count uint64) bool {
	return head < count || index > head-count
}

// WriteGrain opens the grain at index and passes it to fn. If fn returns
// without committing, the session is cancelled.
func (w *Writer) WriteGrain(index uint64, fn func(*GrainAccess) error) error {
	g, err := w.OpenGrain(index)
	if err != nil {
		return err
	}
	defer g.Cancel()
	return fn(g)
}

// OpenSamples opens a write session on count samples per channel ending
// just before index, i.e. [index-count, index).
func (w *Writer) OpenSamples(index, count uint64) (*SamplesAccess, error) {
	if err := w.checkSession(FormatContinuous); err != nil {
		return nil, flowErr(w.ID(), "open samples", err)
	}
	length := uint64(w.ff.cfg.BufferLength)
	if count == 0 || count > length/2 || count > index {
		return nil, flowErr(w.ID(), "open samples", ErrInvalidArg)
	}
	s := &SamplesAccess{
		w:        w,
		index:    index,
		count:    count,
		channels: sliceChannels(w.ff.m, index, count),
	}
	w.samples = s
	return s, nil
}

// Close cancels any open session and releases the flow. When no reader
// holds the flow either, its files are removed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.dom.untrackWriter(w)
	return w.release()
}

func (w *Writer) release() error {
	if w.closed {
		return nil
	}
	if w.grain != nil {
		w.grain.Cancel()
	}
	if w.samples != nil {
		w.samples.Cancel()
	}
	w.closed = true

	dir := filepath.Dir(w.ff.path)
	err := errors.Join(w.ff.close(), unlock(w.lockFile), w.lockFile.Close())
	removed, rerr := removeIfUnused(dir)
	if rerr != nil {
		w.log.Warn("flow cleanup failed", "error", rerr)
	}
	w.log.Debug("writer closed", "flow_removed", removed)
	return err
}
