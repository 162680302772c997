package store

import (
	"sync/atomic"
)

// Grain flags.
const (
	// FlagInvalid marks a grain whose payload must not be presented, e.g. a
	// placeholder written to keep the timeline moving.
	FlagInvalid uint32 = 0x1
)

// GrainInfo describes a committed grain.
type GrainInfo struct {
	Index       uint64 `json:"index"`
	GrainSize   uint64 `json:"grainSize"`
	CommitTime  uint64 `json:"commitTime"`
	Flags       uint32 `json:"flags"`
	TotalSlices uint32 `json:"totalSlices"`
	ValidSlices uint32 `json:"validSlices"`
}

// Complete reports whether every slice of the grain has been written.
func (i GrainInfo) Complete() bool { return i.ValidSlices == i.TotalSlices }

// Invalid reports whether the grain carries FlagInvalid.
func (i GrainInfo) Invalid() bool { return i.Flags&FlagInvalid != 0 }

// Grain is a committed grain as seen by a reader. Payload aliases the
// shared ring and stays valid only until the writer reuses the slot, which
// happens once the grain has left the readable window.
type Grain struct {
	Info    GrainInfo
	Payload []byte
}

// GrainAccess is an open write session on one grain slot.
type GrainAccess struct {
	w       *Writer
	index   uint64
	slot    uint64
	payload []byte
	flags   uint32
	saved   *savedGrain
	done    bool
}

// savedGrain is the readable grain a session withdrew from its slot.
type savedGrain struct {
	header  grainHeader
	payload []byte
}

// Index returns the grain index the session writes.
func (g *GrainAccess) Index() uint64 { return g.index }

// Payload returns the writable grain buffer, sized to the flow's grain size.
func (g *GrainAccess) Payload() []byte { return g.payload }

// TotalSlices returns the number of slices in a complete grain.
func (g *GrainAccess) TotalSlices() uint32 { return g.w.ff.cfg.TotalSlices }

// SetFlags sets the flags published with the grain on commit.
func (g *GrainAccess) SetFlags(flags uint32) { g.flags = flags }

// Commit publishes the grain with validSlices slices written and advances
// the flow head. A session commits at most once.
func (g *GrainAccess) Commit(validSlices uint32) error {
	if g.done {
		return flowErr(g.w.ID(), "commit grain", ErrInvalidFlowWriter)
	}
	if validSlices > g.TotalSlices() {
		return flowErr(g.w.ID(), "commit grain", ErrInvalidArg)
	}
	g.finish()

	m := g.w.ff.m
	now := g.w.dom.clock.Now()
	gh := m.grain(g.slot)

	// Readers sample Index before and after the other fields; taking the
	// slot away first keeps them from pairing an old index with new fields.
	atomic.StoreUint64(&gh.Index, noIndex)
	gh.GrainSize = m.hdr.GrainSize
	gh.CommitTime = now
	gh.Flags = g.flags
	gh.TotalSlices = g.TotalSlices()
	atomic.StoreUint32(&gh.ValidSlices, validSlices)
	atomic.StoreUint64(&gh.Index, g.index)

	m.advanceHead(g.index, now)
	return nil
}

// Cancel ends the session without publishing anything. A grain withdrawn
// by OpenGrain is restored byte for byte and its readers are woken. Cancel
// is a no-op once the session has been committed or cancelled.
func (g *GrainAccess) Cancel() {
	if g.done {
		return
	}
	g.finish()
	if g.saved == nil {
		return
	}

	m := g.w.ff.m
	gh := m.grain(g.slot)
	copy(g.payload, g.saved.payload)
	h := g.saved.header
	gh.GrainSize = h.GrainSize
	gh.CommitTime = h.CommitTime
	gh.Flags = h.Flags
	gh.TotalSlices = h.TotalSlices
	atomic.StoreUint32(&gh.ValidSlices, h.ValidSlices)
	atomic.StoreUint64(&gh.Index, h.Index)
	g.saved = nil
	m.notify()
}

func (g *GrainAccess) finish() {
	g.done = true
	if g.w.grain == g {
		g.w.grain = nil
	}
}

// loadGrainInfo reads a slot header. ok is false when the slot changed
// while it was being read.
func loadGrainInfo(gh *grainHeader) (GrainInfo, bool) {
	index := atomic.LoadUint64(&gh.Index)
	info := GrainInfo{
		Index:       index,
		GrainSize:   gh.GrainSize,
		CommitTime:  gh.CommitTime,
		Flags:       gh.Flags,
		TotalSlices: gh.TotalSlices,
		ValidSlices: atomic.LoadUint32(&gh.ValidSlices),
	}
	return info, atomic.LoadUint64(&gh.Index) == index
}
