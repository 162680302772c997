package sink

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/store"
)

// t0 is 1000 s of domain time: grain 50000 at 50 fps, sample 48,000,000
// at 48 kHz.
const t0 = 1000 * uint64(time.Second)

func newDomain(t *testing.T) (*store.Domain, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(t0)
	d, err := store.Open(t.TempDir(), store.Options{Clock: c})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, c
}

func videoDef() *flowdef.Definition {
	return flowdef.NewVideo(uuid.New(), flowdef.VideoParams{
		Width:  48,
		Height: 4,
		Rate:   flowdef.Rate{Numerator: 50, Denominator: 1},
	})
}

func openSink(t *testing.T, d *store.Domain, def *flowdef.Definition, opts Options) *Sink {
	t.Helper()
	s, err := Open(d, def, opts, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func readGrain(t *testing.T, d *store.Domain, id uuid.UUID, index uint64) *store.Grain {
	t.Helper()
	r, err := d.CreateReader(id)
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	g, err := r.GetGrain(context.Background(), index, 0)
	if err != nil {
		t.Fatalf("GetGrain(%d): %v", index, err)
	}
	return g
}

func frame(n int, fill byte) *media.Buffer {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill
	}
	return &media.Buffer{Data: data}
}

func TestForwardSkipsWhenAhead(t *testing.T) {
	t.Parallel()
	d, c := newDomain(t)
	s := openSink(t, d, videoDef(), Options{Flow: &store.FlowOptions{GrainCount: 10}})
	v := s.Video()

	for i := 0; i < 8; i++ {
		if err := s.Render(frame(512, byte(i)), nil); err != nil {
			t.Fatalf("Render %d: %v", i, err)
		}
	}
	st := v.Stats()
	if st.GrainsWritten != 5 || st.GrainsSkipped != 3 {
		t.Errorf("stats: got %+v, want 5 written, 3 skipped", st)
	}
	if v.NextIndex() != 50005 {
		t.Errorf("next index: got %d, want 50005", v.NextIndex())
	}

	c.Advance(20 * time.Millisecond)
	if err := s.Render(frame(512, 0xEE), nil); err != nil {
		t.Fatalf("Render after advance: %v", err)
	}
	if st := v.Stats(); st.GrainsWritten != 6 || st.LastIndex != 50005 {
		t.Errorf("stats after advance: got %+v", st)
	}

	g := readGrain(t, d, s.FlowID(), 50004)
	if g.Payload[0] != 4 {
		t.Errorf("grain 50004: got fill %d, want 4", g.Payload[0])
	}
}

func TestForwardAheadDivisor(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := openSink(t, d, videoDef(), Options{
		AheadDivisor: 5,
		Flow:         &store.FlowOptions{GrainCount: 10},
	})
	for i := 0; i < 4; i++ {
		if err := s.Render(frame(512, 1), nil); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	if st := s.Video().Stats(); st.GrainsWritten != 2 || st.GrainsSkipped != 2 {
		t.Errorf("stats: got %+v, want 2 written, 2 skipped", st)
	}
}

func TestTimestampModeClamp(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := openSink(t, d, videoDef(), Options{
		Mode: ModeTimestamp,
		Flow: &store.FlowOptions{GrainCount: 10},
	})
	v := s.Video()
	ext := media.ClockFunc(func() (time.Duration, bool) { return 0, true })

	// One second ahead is 50 grains, past the 10-grain horizon.
	buf := frame(512, 1)
	buf.PTS, buf.HasPTS = time.Second, true
	if err := v.Render(buf, ext); err != nil {
		t.Fatalf("Render: %v", err)
	}
	st := v.Stats()
	if st.Clamps != 1 || st.LastIndex != 50009 {
		t.Errorf("stats: got %+v, want 1 clamp at 50009", st)
	}
	if st.LastIndex-50000 >= 10 {
		t.Errorf("clamped index %d is outside the ring horizon", st.LastIndex)
	}

	buf = frame(512, 2)
	buf.PTS, buf.HasPTS = 40*time.Millisecond, true
	if err := v.Render(buf, ext); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if st := v.Stats(); st.LastIndex != 50002 || v.NextIndex() != 50003 {
		t.Errorf("after 40ms frame: last %d next %d, want 50002/50003", st.LastIndex, v.NextIndex())
	}

	if err := v.Render(frame(512, 3), ext); err != nil {
		t.Fatalf("Render without PTS: %v", err)
	}
	if st := v.Stats(); st.LastIndex != 50000 {
		t.Errorf("frame without PTS: got index %d, want current 50000", st.LastIndex)
	}
}

func TestTimestampModeSkipsLateFrame(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := openSink(t, d, videoDef(), Options{
		Mode: ModeTimestamp,
		Flow: &store.FlowOptions{GrainCount: 10},
	})
	v := s.Video()
	ext := media.ClockFunc(func() (time.Duration, bool) { return 0, true })

	buf := frame(512, 1)
	buf.PTS, buf.HasPTS = 180*time.Millisecond, true
	if err := v.Render(buf, ext); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if st := v.Stats(); st.LastIndex != 50009 {
		t.Fatalf("first frame: got index %d, want 50009", st.LastIndex)
	}

	// 20ms in the past is grain 49999, which shares a slot with 50010 and
	// is already outside the window behind head 50009.
	buf = frame(512, 2)
	buf.PTS, buf.HasPTS = -20*time.Millisecond, true
	if err := v.Render(buf, ext); err != nil {
		t.Fatalf("Render late frame: %v", err)
	}
	st := v.Stats()
	if st.GrainsSkipped != 1 || st.GrainsWritten != 1 {
		t.Errorf("stats: got %+v, want 1 written and 1 skipped", st)
	}
	if v.NextIndex() != 50010 {
		t.Errorf("next index: got %d, want 50010", v.NextIndex())
	}
	if g := readGrain(t, d, s.FlowID(), 50009); g.Payload[0] != 1 {
		t.Errorf("grain 50009: got fill %d, want 1", g.Payload[0])
	}
}

func TestShortFrameIsZeroPadded(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := openSink(t, d, videoDef(), Options{})

	if err := s.Render(frame(10, 0x7F), nil); err != nil {
		t.Fatalf("Render: %v", err)
	}
	g := readGrain(t, d, s.FlowID(), 50000)
	for i, b := range g.Payload {
		want := byte(0)
		if i < 10 {
			want = 0x7F
		}
		if b != want {
			t.Fatalf("payload[%d]: got %#x, want %#x", i, b, want)
		}
	}
	if !g.Info.Complete() {
		t.Error("grain should be committed with every slice valid")
	}
}

func TestOpenConflict(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	s := openSink(t, d, def, Options{})

	if _, err := Open(d, def, Options{}, nil); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second Open with live writer: got %v, want store.ErrConflict", err)
	}

	r, err := d.CreateReader(def.ID)
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer r.Close()
	s.Close()

	if _, err := Open(d, def, Options{}, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("Open of existing flow: got %v, want ErrConflict", err)
	}
}

func putInterleaved(samples, channels int) []byte {
	buf := make([]byte, samples*channels*4)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < channels; ch++ {
			v := float32(i*10 + ch)
			binary.LittleEndian.PutUint32(buf[(i*channels+ch)*4:], math.Float32bits(v))
		}
	}
	return buf
}

func channelValues(f store.Fragments) []float32 {
	var out []float32
	for _, b := range [][]byte{f.First, f.Second} {
		for i := 0; i+4 <= len(b); i += 4 {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
		}
	}
	return out
}

// A 2400-sample buffer into a 1000-sample ring is split into five chunks
// of at most 500 samples, and the write position moves by exactly 2400.
func TestAudioChunking(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := flowdef.NewAudio(uuid.New(), 48000, 2, 32)
	s := openSink(t, d, def, Options{Flow: &store.FlowOptions{BufferLength: 1000}})
	a := s.Audio()

	if err := s.Render(&media.Buffer{Data: putInterleaved(2400, 2)}, nil); err != nil {
		t.Fatalf("Render: %v", err)
	}
	st := a.Stats()
	if st.ChunksCommitted != 5 || st.SamplesWritten != 2400 {
		t.Errorf("stats: got %+v, want 5 chunks, 2400 samples", st)
	}
	const start = 48_000_000
	if a.NextIndex() != start+2400 || st.NextIndex != start+2400 {
		t.Errorf("next index: got %d, want %d", a.NextIndex(), start+2400)
	}

	r, err := d.CreateReader(def.ID)
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer r.Close()
	info, _ := r.Info()
	if info.Runtime.HeadIndex != start+2400 {
		t.Errorf("head: got %d, want %d", info.Runtime.HeadIndex, start+2400)
	}

	got, err := r.GetSamples(context.Background(), start+2400, 400, 0)
	if err != nil {
		t.Fatalf("GetSamples: %v", err)
	}
	for ch := 0; ch < 2; ch++ {
		f, _ := got.Channel(ch)
		vals := channelValues(f)
		if len(vals) != 400 {
			t.Fatalf("channel %d: got %d samples, want 400", ch, len(vals))
		}
		for i, v := range vals {
			if want := float32((2000+i)*10 + ch); v != want {
				t.Fatalf("channel %d sample %d: got %v, want %v", ch, i, v, want)
			}
		}
	}

	if err := s.Render(&media.Buffer{Data: putInterleaved(100, 2)}, nil); err != nil {
		t.Fatalf("second Render: %v", err)
	}
	if a.NextIndex() != start+2500 {
		t.Errorf("next index after second buffer: got %d, want %d", a.NextIndex(), start+2500)
	}
}

func TestAudioIgnoresEmptyBuffer(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := openSink(t, d, flowdef.NewAudio(uuid.New(), 48000, 2, 32), Options{})
	if err := s.Render(&media.Buffer{Data: make([]byte, 7)}, nil); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if st := s.Audio().Stats(); st.ChunksCommitted != 0 {
		t.Errorf("stats: got %+v, want nothing committed", st)
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()
	if ModeForward.String() != "forward" || ModeTimestamp.String() != "timestamp" {
		t.Errorf("mode strings: %q %q", ModeForward, ModeTimestamp)
	}
	for _, m := range []Mode{ModeForward, ModeTimestamp} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q): got %v, %v", m, got, err)
		}
	}
	if _, err := ParseMode("backwards"); err == nil {
		t.Error("ParseMode of unknown name should fail")
	}
}
