package store

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
)

// Flow data file layout:
//
//	[0, headerSize)          header
//	discrete:   slots of slotStride bytes, each a grainHeader then payload
//	continuous: channelCount planes of bufferLength*wordSize bytes
const (
	headerSize      = 4096
	grainHeaderSize = 64
	slotAlign       = 64
	layoutVersion   = 1

	// noIndex marks a grain slot that has never been committed.
	noIndex = math.MaxUint64
)

var layoutMagic = [8]byte{'M', 'X', 'L', 'G', 'O', 'F', 'L', 'W'}

// header is the fixed-layout prefix of a flow data file. Fields after
// SyncHint change at runtime and are only accessed atomically.
type header struct {
	Magic        [8]byte
	Version      uint32
	Format       uint32
	ID           [16]byte
	RateNum      uint64
	RateDen      uint64
	Count        uint64
	Slots        uint64
	GrainSize    uint64
	SlotStride   uint64
	TotalSlices  uint32
	ChannelCount uint32
	WordSize     uint32
	CommitHint   uint32
	SyncHint     uint32
	_            uint32

	HeadIndex uint64
	LastWrite uint64
	LastRead  uint64
	Seq       uint32
	Ready     uint32
}

// grainHeader precedes each grain payload. Index is stored last on
// commit, so a reader that observes Index sees the rest of the header.
type grainHeader struct {
	Index       uint64
	GrainSize   uint64
	CommitTime  uint64
	Flags       uint32
	TotalSlices uint32
	ValidSlices uint32
	_           [28]byte
}

var (
	_ [headerSize - unsafe.Sizeof(header{})]byte
	_ [grainHeaderSize - unsafe.Sizeof(grainHeader{})]byte
	_ [unsafe.Sizeof(grainHeader{}) - grainHeaderSize]byte
)

// flowLayout is a resolved flow configuration plus the byte geometry of
// its data file.
type flowLayout struct {
	cfg        FlowConfig
	slots      uint64
	slotStride uint64
	size       int64
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}

// indicesFor returns how many indices at rate fit in d, rounded down.
func indicesFor(d time.Duration, r clock.Rate) uint64 {
	hi, lo := bits.Mul64(uint64(d.Nanoseconds()), r.Numerator)
	dh, div := bits.Mul64(1_000_000_000, r.Denominator)
	if dh != 0 || hi >= div {
		return 0
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}

// planLayout derives the flow configuration from its definition, the
// caller's options and the domain history duration.
func planLayout(def *flowdef.Definition, opts *FlowOptions, history time.Duration) (flowLayout, error) {
	if opts == nil {
		opts = &FlowOptions{}
	}
	rate, err := def.Rate()
	if err != nil {
		return flowLayout{}, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	cfg := FlowConfig{
		ID:                     def.ID,
		Rate:                   rate,
		MaxCommitBatchSizeHint: opts.MaxCommitBatchSizeHint,
		MaxSyncBatchSizeHint:   opts.MaxSyncBatchSizeHint,
	}

	var l flowLayout
	switch {
	case def.Video != nil:
		size, slices, err := def.Video.GrainLayout(def.MediaType)
		if err != nil {
			return flowLayout{}, fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		count := uint64(opts.GrainCount)
		if count == 0 {
			count = max(indicesFor(history, rate), 2)
		}
		if count > math.MaxUint32 {
			return flowLayout{}, fmt.Errorf("%w: grain count %d", ErrInvalidArg, count)
		}
		cfg.Format = FormatDiscrete
		cfg.GrainCount = uint32(count)
		cfg.GrainSize = uint32(size)
		cfg.TotalSlices = uint32(slices)
		if cfg.MaxCommitBatchSizeHint == 0 {
			cfg.MaxCommitBatchSizeHint = 1
		}

		// One spare slot: a session opened at head+1 never touches a
		// grain that is still inside the readable window.
		l.slots = count + 1
		l.slotStride = alignUp(grainHeaderSize+uint64(size), slotAlign)
		l.size = int64(headerSize + l.slots*l.slotStride)

	case def.Audio != nil:
		if cfg.MaxCommitBatchSizeHint == 0 {
			cfg.MaxCommitBatchSizeHint = uint32(max(indicesFor(time.Millisecond, rate), 1))
		}
		length := uint64(opts.BufferLength)
		if length == 0 {
			length = max(indicesFor(history, rate), 2*uint64(cfg.MaxCommitBatchSizeHint))
		}
		if length > math.MaxUint32 {
			return flowLayout{}, fmt.Errorf("%w: buffer length %d", ErrInvalidArg, length)
		}
		if uint64(cfg.MaxCommitBatchSizeHint) > length/2 {
			return flowLayout{}, fmt.Errorf("%w: commit batch hint %d exceeds half of buffer length %d",
				ErrInvalidArg, cfg.MaxCommitBatchSizeHint, length)
		}
		cfg.Format = FormatContinuous
		cfg.ChannelCount = uint32(def.Audio.ChannelCount)
		cfg.BufferLength = uint32(length)
		cfg.SampleWordSize = uint32(def.Audio.WordSize())
		l.size = int64(headerSize + uint64(cfg.ChannelCount)*length*uint64(cfg.SampleWordSize))

	default:
		return flowLayout{}, fmt.Errorf("%w: format %q", ErrInvalidArg, def.Format)
	}

	if cfg.MaxSyncBatchSizeHint == 0 {
		cfg.MaxSyncBatchSizeHint = cfg.MaxCommitBatchSizeHint
	}
	if cfg.MaxSyncBatchSizeHint%cfg.MaxCommitBatchSizeHint != 0 {
		return flowLayout{}, fmt.Errorf("%w: sync batch hint %d is not a multiple of commit batch hint %d",
			ErrInvalidArg, cfg.MaxSyncBatchSizeHint, cfg.MaxCommitBatchSizeHint)
	}

	l.cfg = cfg
	return l, nil
}

// mapping is a mapped flow data file viewed through its header.
type mapping struct {
	mem []byte
	hdr *header
}

func newMapping(mem []byte) *mapping {
	return &mapping{mem: mem, hdr: (*header)(unsafe.Pointer(&mem[0]))}
}

// initialize writes a fresh header for l. The flow becomes visible to
// readers only once Ready is set.
func (m *mapping) initialize(l flowLayout, now uint64) {
	h := m.hdr
	h.Magic = layoutMagic
	h.Version = layoutVersion
	h.Format = uint32(l.cfg.Format)
	h.ID = l.cfg.ID
	h.RateNum = l.cfg.Rate.Numerator
	h.RateDen = l.cfg.Rate.Denominator
	h.Count = l.cfg.Capacity()
	h.Slots = l.slots
	h.GrainSize = uint64(l.cfg.GrainSize)
	h.SlotStride = l.slotStride
	h.TotalSlices = l.cfg.TotalSlices
	h.ChannelCount = l.cfg.ChannelCount
	h.WordSize = l.cfg.SampleWordSize
	h.CommitHint = l.cfg.MaxCommitBatchSizeHint
	h.SyncHint = l.cfg.MaxSyncBatchSizeHint
	for i := uint64(0); i < l.slots; i++ {
		atomic.StoreUint64(&m.grain(i).Index, noIndex)
	}
	atomic.StoreUint64(&h.LastWrite, now)
	atomic.StoreUint64(&h.LastRead, now)
	atomic.StoreUint32(&h.Ready, 1)
}

// validate checks that the mapping holds a fully initialized flow with
// geometry consistent with the mapped size.
func (m *mapping) validate() error {
	h := m.hdr
	if atomic.LoadUint32(&h.Ready) != 1 || h.Magic != layoutMagic || h.Version != layoutVersion {
		return ErrFlowInvalid
	}
	var want uint64
	switch Format(h.Format) {
	case FormatDiscrete:
		want = headerSize + h.Slots*h.SlotStride
		if h.Slots != h.Count+1 || h.SlotStride < grainHeaderSize+h.GrainSize {
			return ErrFlowInvalid
		}
	case FormatContinuous:
		want = headerSize + uint64(h.ChannelCount)*h.Count*uint64(h.WordSize)
	default:
		return ErrFlowInvalid
	}
	if uint64(len(m.mem)) < want || h.CommitHint == 0 {
		return ErrFlowInvalid
	}
	return nil
}

func (m *mapping) config() FlowConfig {
	h := m.hdr
	cfg := FlowConfig{
		ID:                     uuid.UUID(h.ID),
		Format:                 Format(h.Format),
		Rate:                   clock.Rate{Numerator: h.RateNum, Denominator: h.RateDen},
		MaxCommitBatchSizeHint: h.CommitHint,
		MaxSyncBatchSizeHint:   h.SyncHint,
	}
	if cfg.Format == FormatDiscrete {
		cfg.GrainCount = uint32(h.Count)
		cfg.GrainSize = uint32(h.GrainSize)
		cfg.TotalSlices = h.TotalSlices
	} else {
		cfg.ChannelCount = h.ChannelCount
		cfg.BufferLength = uint32(h.Count)
		cfg.SampleWordSize = h.WordSize
	}
	return cfg
}

func (m *mapping) runtime() FlowRuntime {
	return FlowRuntime{
		HeadIndex:     atomic.LoadUint64(&m.hdr.HeadIndex),
		LastWriteTime: atomic.LoadUint64(&m.hdr.LastWrite),
		LastReadTime:  atomic.LoadUint64(&m.hdr.LastRead),
	}
}

func (m *mapping) head() uint64 {
	return atomic.LoadUint64(&m.hdr.HeadIndex)
}

func (m *mapping) seq() uint32 {
	return atomic.LoadUint32(&m.hdr.Seq)
}

// advanceHead raises the head to index if it is higher, then wakes every
// waiter on the sequence word.
func (m *mapping) advanceHead(index, now uint64) {
	for {
		cur := atomic.LoadUint64(&m.hdr.HeadIndex)
		if index <= cur || atomic.CompareAndSwapUint64(&m.hdr.HeadIndex, cur, index) {
			break
		}
	}
	atomic.StoreUint64(&m.hdr.LastWrite, now)
	m.notify()
}

// notify bumps the sequence word and wakes every waiter on it.
func (m *mapping) notify() {
	atomic.AddUint32(&m.hdr.Seq, 1)
	wake(&m.hdr.Seq)
}

func (m *mapping) touchRead(now uint64) {
	atomic.StoreUint64(&m.hdr.LastRead, now)
}

func (m *mapping) slotOffset(slot uint64) uint64 {
	return headerSize + slot*m.hdr.SlotStride
}

func (m *mapping) grain(slot uint64) *grainHeader {
	return (*grainHeader)(unsafe.Pointer(&m.mem[m.slotOffset(slot)]))
}

func (m *mapping) grainPayload(slot uint64) []byte {
	off := m.slotOffset(slot) + grainHeaderSize
	return m.mem[off : off+m.hdr.GrainSize : off+m.hdr.GrainSize]
}

// plane returns the full ring of one channel.
func (m *mapping) plane(ch uint32) []byte {
	stride := m.hdr.Count * uint64(m.hdr.WordSize)
	off := headerSize + uint64(ch)*stride
	return m.mem[off : off+stride : off+stride]
}
