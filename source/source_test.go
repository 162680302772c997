package source

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
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

func newWriter(t *testing.T, d *store.Domain, def *flowdef.Definition, opts *store.FlowOptions) *store.Writer {
	t.Helper()
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	w, _, err := d.CreateWriter(data, opts)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func newReader(t *testing.T, d *store.Domain, id uuid.UUID) *store.Reader {
	t.Helper()
	r, err := d.CreateReader(id)
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func videoDef() *flowdef.Definition {
	return flowdef.NewVideo(uuid.New(), flowdef.VideoParams{
		Width:  48,
		Height: 4,
		Rate:   flowdef.Rate{Numerator: 50, Denominator: 1},
	})
}

func writeGrain(t *testing.T, w *store.Writer, index uint64, fill byte, flags uint32) {
	t.Helper()
	err := w.WriteGrain(index, func(g *store.GrainAccess) error {
		for i := range g.Payload() {
			g.Payload()[i] = fill
		}
		g.SetFlags(flags)
		return g.Commit(g.TotalSlices())
	})
	if err != nil {
		t.Fatalf("WriteGrain(%d): %v", index, err)
	}
}

// writeSamples commits count samples per channel ending at end. Sample i
// of channel ch holds float32(i*10+ch), where i counts from end-count.
func writeSamples(t *testing.T, w *store.Writer, end, count uint64) {
	t.Helper()
	s, err := w.OpenSamples(end, count)
	if err != nil {
		t.Fatalf("OpenSamples(%d, %d): %v", end, count, err)
	}
	for ch := 0; ch < s.NumChannels(); ch++ {
		f, err := s.Channel(ch)
		if err != nil {
			t.Fatalf("Channel(%d): %v", ch, err)
		}
		i := 0
		for _, b := range [][]byte{f.First, f.Second} {
			for off := 0; off+4 <= len(b); off += 4 {
				binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(i*10+ch)))
				i++
			}
		}
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func fixedClock(d time.Duration) media.Clock {
	return media.ClockFunc(func() (time.Duration, bool) { return d, true })
}

func TestVideoReadsCurrentGrain(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 0xAB, 0)

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 50 * time.Millisecond}, nil)
	buf, err := v.Create(context.Background(), fixedClock(3*time.Second))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(buf.Data) != 512 || buf.Data[0] != 0xAB {
		t.Errorf("payload: got %d bytes starting %#x", len(buf.Data), buf.Data[0])
	}
	if !buf.HasPTS || buf.PTS != 3*time.Second {
		t.Errorf("pts: got %v, want 3s", buf.PTS)
	}
	if buf.Duration != 20*time.Millisecond {
		t.Errorf("duration: got %v, want 20ms", buf.Duration)
	}
	if st := v.Stats(); st.Frames != 1 || st.LastIndex != 50000 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestVideoSkipsToCurrentWhenLagging(t *testing.T) {
	t.Parallel()
	d, c := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, &store.FlowOptions{GrainCount: 10})
	for i := uint64(0); i < 5; i++ {
		writeGrain(t, w, 50000+i, byte(i), 0)
	}

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 50 * time.Millisecond}, nil)
	if _, err := v.Create(context.Background(), nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	c.Advance(60 * time.Millisecond)
	buf, err := v.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if buf.Data[0] != 3 {
		t.Errorf("payload: got grain %d, want 3", buf.Data[0])
	}
	// Timestamps follow the frame count, not the skipped index.
	if buf.PTS != 20*time.Millisecond {
		t.Errorf("pts: got %v, want 20ms", buf.PTS)
	}
	st := v.Stats()
	if st.FramesMissed != 2 || st.LastIndex != 50003 {
		t.Errorf("stats: got %+v, want 2 missed at 50003", st)
	}
}

func TestVideoPTSNeverBehindRunningTime(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 1, 0)
	writeGrain(t, w, 50001, 2, 0)
	writeGrain(t, w, 50002, 3, 0)

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()
	if _, err := v.Create(ctx, fixedClock(time.Second)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	buf, err := v.Create(ctx, fixedClock(5*time.Second))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if buf.PTS != 5*time.Second {
		t.Errorf("corrected pts: got %v, want 5s", buf.PTS)
	}
	buf, err = v.Create(ctx, fixedClock(5*time.Second))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if buf.PTS != 5*time.Second+20*time.Millisecond {
		t.Errorf("pts after correction: got %v, want 5.02s", buf.PTS)
	}
	if st := v.Stats(); st.PTSCorrection != 1 {
		t.Errorf("corrections: got %d, want 1", st.PTSCorrection)
	}
}

func TestVideoInvalidGrain(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 0, store.FlagInvalid)

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 50 * time.Millisecond}, nil)
	if _, err := v.Create(context.Background(), nil); !errors.Is(err, ErrInvalidGrain) {
		t.Errorf("Create: got %v, want ErrInvalidGrain", err)
	}
}

func TestVideoNoData(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	newWriter(t, d, def, nil)

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 10 * time.Millisecond}, nil)
	if _, err := v.Create(context.Background(), nil); !errors.Is(err, ErrNoData) {
		t.Errorf("Create: got %v, want ErrNoData", err)
	}
}

func audioFlow(t *testing.T, d *store.Domain, channels int) (*store.Writer, uuid.UUID) {
	t.Helper()
	def := flowdef.NewAudio(uuid.New(), 48000, channels, 32)
	w := newWriter(t, d, def, &store.FlowOptions{BufferLength: 1000, MaxCommitBatchSizeHint: 100})
	return w, def.ID
}

func TestAudioInterleavesBatch(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	w, id := audioFlow(t, d, 2)
	const head = 48_000_500
	// The first batch read ends one batch behind the head.
	writeSamples(t, w, head, 200)

	a := NewAudio(d, newReader(t, d, id), Options{BatchSize: 100, SampleTimeout: 50 * time.Millisecond}, nil)
	buf, err := a.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(buf.Data) != 100*2*4 {
		t.Fatalf("buffer size: got %d, want 800", len(buf.Data))
	}
	for i := 0; i < 100; i++ {
		for ch := 0; ch < 2; ch++ {
			got := math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[(i*2+ch)*4:]))
			if want := float32(i*10 + ch); got != want {
				t.Fatalf("sample %d channel %d: got %v, want %v", i, ch, got, want)
			}
		}
	}
	if buf.Discont {
		t.Error("first buffer should not be a discontinuity")
	}
	want, _ := clock.Duration(clock.Rate{Numerator: 48000, Denominator: 1}, head-100, 100)
	if buf.Duration != time.Duration(want) {
		t.Errorf("duration: got %v, want %v", buf.Duration, want)
	}
	if st := a.Stats(); st.Buffers != 1 || st.Index != head {
		t.Errorf("stats: got %+v, want index %d", st, head)
	}
}

// A reader 2000 samples behind a 1000-sample ring restarts two batches
// behind the head and flags exactly one buffer as a discontinuity.
func TestAudioCatchUp(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	w, id := audioFlow(t, d, 1)
	const head = 48_003_000
	writeSamples(t, w, head, 100)

	a := NewAudio(d, newReader(t, d, id), Options{BatchSize: 100, SampleTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()
	if _, err := a.Create(ctx, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	a.index = head - 2000
	buf, err := a.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create after falling behind: %v", err)
	}
	if !buf.Discont {
		t.Error("buffer after catch-up should be a discontinuity")
	}
	if a.index != head-100 {
		t.Errorf("index after catch-up read: got %d, want %d", a.index, head-100)
	}

	buf, err = a.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if buf.Discont {
		t.Error("discontinuity flagged more than once")
	}
	if st := a.Stats(); st.CatchUps != 1 || st.Buffers != 3 {
		t.Errorf("stats: got %+v, want 1 catch-up over 3 buffers", st)
	}
}

// A 1000-sample ring keeps only the newest 500 samples readable. A reader
// in the older half catches up instead of stalling on reads that are
// already too late.
func TestAudioCatchUpFromOlderHalf(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	w, id := audioFlow(t, d, 1)
	const head = 48_003_000
	writeSamples(t, w, head-500, 500)
	writeSamples(t, w, head, 500)

	a := NewAudio(d, newReader(t, d, id), Options{BatchSize: 100, SampleTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()
	if _, err := a.Create(ctx, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// The oldest batch still in the window is read in place.
	a.index = head - 400
	buf, err := a.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create at window edge: %v", err)
	}
	if buf.Discont || a.Stats().CatchUps != 0 {
		t.Errorf("window edge: discont %v catch-ups %d, want a plain read", buf.Discont, a.Stats().CatchUps)
	}

	a.index = head - 600
	buf, err = a.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create from older half: %v", err)
	}
	if !buf.Discont {
		t.Error("buffer after catch-up should be a discontinuity")
	}
	if a.index != head-100 {
		t.Errorf("index after catch-up read: got %d, want %d", a.index, head-100)
	}
	if st := a.Stats(); st.CatchUps != 1 || st.Buffers != 3 {
		t.Errorf("stats: got %+v, want 1 catch-up over 3 buffers", st)
	}
}

// A cushion deeper than the readable window is held at the window edge.
func TestAudioCatchUpCushionBoundedByWindow(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	w, id := audioFlow(t, d, 1)
	const head = 48_003_000
	writeSamples(t, w, head, 500)

	opts := Options{BatchSize: 100, CushionBatches: 8, SampleTimeout: 50 * time.Millisecond}
	a := NewAudio(d, newReader(t, d, id), opts, nil)
	ctx := context.Background()
	if _, err := a.Create(ctx, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	a.index = head - 2000
	buf, err := a.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create after falling behind: %v", err)
	}
	if !buf.Discont {
		t.Error("buffer after catch-up should be a discontinuity")
	}
	if a.index != head-300 {
		t.Errorf("index after catch-up read: got %d, want %d", a.index, head-300)
	}
}

func TestMissingRunningTime(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 1, 0)
	stopped := media.ClockFunc(func() (time.Duration, bool) { return 0, false })

	v := NewVideo(d, newReader(t, d, def.ID), Options{GrainTimeout: 10 * time.Millisecond}, nil)
	if _, err := v.Create(context.Background(), stopped); !errors.Is(err, ErrNoClock) {
		t.Errorf("video Create: got %v, want ErrNoClock", err)
	}

	aw, id := audioFlow(t, d, 1)
	writeSamples(t, aw, 48_000_500, 200)
	a := NewAudio(d, newReader(t, d, id), Options{BatchSize: 100, SampleTimeout: 10 * time.Millisecond}, nil)
	if _, err := a.Create(context.Background(), stopped); !errors.Is(err, ErrNoClock) {
		t.Errorf("audio Create: got %v, want ErrNoClock", err)
	}

	if buf, err := v.Create(context.Background(), nil); err != nil || buf.Data[0] != 1 {
		t.Errorf("video Create without a clock: %v", err)
	}
}

func TestAudioBatchBoundedByFlow(t *testing.T) {
	t.Parallel()
	a := &Audio{opts: Options{BatchSize: 480}.withDefaults()}
	cases := []struct {
		length, hint uint32
		want         uint64
	}{
		{1000, 100, 100},
		{1000, 500, 480},
		{400, 200, 200},
		{10000, 48, 48},
	}
	for _, tc := range cases {
		cfg := store.FlowConfig{BufferLength: tc.length, MaxCommitBatchSizeHint: tc.hint}
		if got := a.Batch(cfg); got != tc.want {
			t.Errorf("Batch(len %d, hint %d): got %d, want %d", tc.length, tc.hint, got, tc.want)
		}
	}
}

func TestNoDataMapping(t *testing.T) {
	t.Parallel()
	other := errors.New("boom")
	cases := []struct {
		in   error
		want error
	}{
		{store.ErrTimeout, ErrNoData},
		{store.ErrTooEarly, ErrNoData},
		{store.ErrTooLate, ErrNoData},
		{fmt.Errorf("open: %w", store.ErrFlowNotFound), ErrNoData},
		{store.ErrFlowInvalid, ErrNoData},
		{context.Canceled, ErrNoData},
		{store.ErrInvalidArg, store.ErrInvalidArg},
		{other, other},
	}
	for _, tc := range cases {
		if got := noData(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("noData(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()
	f := NewFlush()
	if !f.Flushing() {
		t.Fatal("new Flush should start flushing")
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done should be closed while flushing")
	}

	f.UnlockStop()
	if f.Flushing() {
		t.Fatal("UnlockStop should leave the flushing state")
	}
	ctx, cancel := f.Context(context.Background())
	defer cancel()
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before Unlock")
	default:
	}

	f.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Unlock did not cancel the derived context")
	}
	f.Unlock()
}

func TestSourceCreate(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 7, 0)

	s := New(d, def.ID, Options{GrainTimeout: 50 * time.Millisecond}, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	buf, err := s.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if buf.Data[0] != 7 {
		t.Errorf("payload: got %d, want 7", buf.Data[0])
	}
	st := s.Stats()
	if st.Video == nil || st.Video.Frames != 1 || st.Audio != nil {
		t.Errorf("stats: got %+v", st)
	}
}

func TestSourceStartMissingFlow(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	s := New(d, uuid.New(), Options{}, nil, nil)
	if err := s.Start(); !errors.Is(err, store.ErrFlowNotFound) {
		t.Errorf("Start: got %v, want ErrFlowNotFound", err)
	}
}

func TestSourceEOSWhenNotPlaying(t *testing.T) {
	t.Parallel()
	for _, st := range []media.State{media.StatePaused, media.StateNull} {
		t.Run(st.String(), func(t *testing.T) {
			t.Parallel()
			d, _ := newDomain(t)
			def := videoDef()
			newWriter(t, d, def, nil)

			s := New(d, def.ID, Options{GrainTimeout: 10 * time.Millisecond}, func() media.State { return st }, nil)
			if err := s.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer s.Stop()
			if _, err := s.Create(context.Background(), nil); !errors.Is(err, ErrEOS) {
				t.Errorf("Create: got %v, want ErrEOS", err)
			}
			if got := s.Stats().Reinits; got != 0 {
				t.Errorf("reinits: got %d, want 0", got)
			}
		})
	}
}

func TestSourceEOSAfterStop(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	newWriter(t, d, def, nil)

	s := New(d, def.ID, Options{GrainTimeout: time.Second}, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Create(context.Background(), nil)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Flush().Unlock()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrEOS) {
			t.Errorf("Create: got %v, want ErrEOS", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Unlock did not interrupt the pending read")
	}
	s.Stop()
}

func TestSourceReinitsWhilePlaying(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	newWriter(t, d, def, nil)

	s := New(d, def.ID, Options{GrainTimeout: 10 * time.Millisecond}, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.Create(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Create: got %v, want context.DeadlineExceeded", err)
	}
	if got := s.Stats().Reinits; got == 0 {
		t.Error("expected at least one reinit while playing without data")
	}
}

func TestSourceReinitFlagsDiscontinuity(t *testing.T) {
	t.Parallel()
	d, _ := newDomain(t)
	def := videoDef()
	w := newWriter(t, d, def, nil)
	writeGrain(t, w, 50000, 7, 0)

	s := New(d, def.ID, Options{GrainTimeout: 10 * time.Millisecond}, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	ctx := context.Background()

	buf, err := s.Create(ctx, nil)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if buf.Discont {
		t.Error("first buffer should not be a discontinuity")
	}

	// The clock has not moved, so grain 50001 never arrives and the source
	// reopens the flow, restarting at grain 50000.
	buf, err = s.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create after reinit: %v", err)
	}
	if !buf.Discont {
		t.Error("first buffer after a reinit should be a discontinuity")
	}
	if got := s.Stats().Reinits; got == 0 {
		t.Error("expected a reinit")
	}
}
