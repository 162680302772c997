// Package store implements a media domain: a directory of flows, each a
// memory-mapped ring of video grains or audio sample planes shared between
// one writer process and any number of reader processes.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/flowdef"
)

const (
	flowDirSuffix  = ".mxl-flow"
	flowDefFile    = "flow_def.json"
	flowDataFile   = "data"
	writerLockFile = "writer.lock"
)

// ErrDomainClosed is returned by operations on a closed Domain.
var ErrDomainClosed = errors.New("store: domain closed")

// Domain is an open media domain directory. Its clock queries are safe for
// concurrent use; each Writer and Reader it hands out is confined to one
// goroutine at a time.
type Domain struct {
	dir     string
	clock   clock.Clock
	history time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	writers map[*Writer]struct{}
	readers map[*Reader]struct{}
}

// Open attaches to the domain at dir, which must exist.
func Open(dir string, opts Options) (*Domain, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open domain: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: domain %s is not a directory", ErrInvalidArg, dir)
	}

	dopts, err := loadDomainOptions(dir)
	if err != nil {
		return nil, err
	}
	history := opts.HistoryDuration
	if history <= 0 && dopts.HistoryDurationMs > 0 {
		history = time.Duration(dopts.HistoryDurationMs) * time.Millisecond
	}
	if history <= 0 {
		history = DefaultHistoryDuration
	}

	c := opts.Clock
	if c == nil {
		c = clock.TAI
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Domain{
		dir:     dir,
		clock:   c,
		history: history,
		log:     log.With("component", "store", "domain", dir),
		writers: make(map[*Writer]struct{}),
		readers: make(map[*Reader]struct{}),
	}, nil
}

// Dir returns the domain directory.
func (d *Domain) Dir() string { return d.dir }

// HistoryDuration returns how much media new flows are sized to retain.
func (d *Domain) HistoryDuration() time.Duration { return d.history }

// Clock returns the domain clock.
func (d *Domain) Clock() clock.Clock { return d.clock }

// Now returns the current domain time in TAI nanoseconds.
func (d *Domain) Now() uint64 { return d.clock.Now() }

// CurrentIndex returns the index at rate for the current domain time.
func (d *Domain) CurrentIndex(r clock.Rate) (uint64, error) {
	return clock.CurrentIndex(d.clock, r)
}

// TimestampToIndex converts a domain timestamp to an index at rate.
func (d *Domain) TimestampToIndex(r clock.Rate, ts uint64) (uint64, error) {
	return clock.TimestampToIndex(r, ts)
}

// IndexToTimestamp converts an index at rate to a domain timestamp.
func (d *Domain) IndexToTimestamp(r clock.Rate, index uint64) (uint64, error) {
	return clock.IndexToTimestamp(r, index)
}

func (d *Domain) flowDir(id uuid.UUID) string {
	return filepath.Join(d.dir, id.String()+flowDirSuffix)
}

// CreateWriter opens the single writer of the flow described by defJSON,
// creating the flow if it does not exist yet. created reports whether this
// call created it. A flow that already has a live writer yields ErrConflict.
func (d *Domain) CreateWriter(defJSON []byte, opts *FlowOptions) (*Writer, bool, error) {
	def, err := flowdef.Parse(defJSON)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	layout, err := planLayout(def, opts, d.history)
	if err != nil {
		return nil, false, flowErr(def.ID, "create writer", err)
	}
	if err := d.checkOpen(); err != nil {
		return nil, false, err
	}

	dir := d.flowDir(def.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, flowErr(def.ID, "create writer", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, writerLockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, flowErr(def.ID, "create writer", err)
	}
	ok, err := tryLockExclusive(lockFile)
	if err != nil || !ok {
		lockFile.Close()
		if err == nil {
			err = ErrConflict
		}
		return nil, false, flowErr(def.ID, "create writer", err)
	}

	ff, created, err := d.openOrCreateData(dir, def, defJSON, layout)
	if err != nil {
		_ = unlock(lockFile)
		lockFile.Close()
		return nil, false, flowErr(def.ID, "create writer", err)
	}

	w := &Writer{
		dom:      d,
		ff:       ff,
		lockFile: lockFile,
		log:      d.log.With("flow", def.ID, "role", "writer"),
	}
	if !d.track(func() { d.writers[w] = struct{}{} }) {
		w.release()
		return nil, false, ErrDomainClosed
	}
	w.log.Debug("writer opened", "created", created, "format", ff.cfg.Format, "capacity", ff.cfg.Capacity())
	return w, created, nil
}

// openOrCreateData maps an existing data file or, when there is none,
// builds one under a temporary name and links it into place fully
// initialized. The caller holds the writer lock.
func (d *Domain) openOrCreateData(dir string, def *flowdef.Definition, defJSON []byte, l flowLayout) (*flowFile, bool, error) {
	dataPath := filepath.Join(dir, flowDataFile)
	ff, err := openFlowFile(def.ID, dataPath)
	if err == nil {
		return ff, false, nil
	}
	if !errors.Is(err, ErrFlowNotFound) {
		return nil, false, err
	}

	if err := writeFileAtomic(filepath.Join(dir, flowDefFile), defJSON); err != nil {
		return nil, false, err
	}

	tmp := filepath.Join(dir, flowDataFile+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	defer os.Remove(tmp)

	if err := f.Truncate(l.size); err != nil {
		f.Close()
		return nil, false, err
	}
	if err := lockShared(f); err != nil {
		f.Close()
		return nil, false, err
	}
	mem, err := mapFile(f, l.size)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	m := newMapping(mem)
	m.initialize(l, d.clock.Now())

	if err := os.Link(tmp, dataPath); err != nil {
		_ = unmap(mem)
		f.Close()
		if errors.Is(err, os.ErrExist) {
			ff, err := openFlowFile(def.ID, dataPath)
			return ff, false, err
		}
		return nil, false, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = unmap(mem)
		f.Close()
		return nil, false, err
	}
	return &flowFile{path: dataPath, file: f, stat: st, m: m, cfg: m.config()}, true, nil
}

// CreateReader opens a reader on an existing flow.
func (d *Domain) CreateReader(id uuid.UUID) (*Reader, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	ff, err := openFlowFile(id, filepath.Join(d.flowDir(id), flowDataFile))
	if err != nil {
		return nil, flowErr(id, "create reader", err)
	}
	r := &Reader{
		dom: d,
		ff:  ff,
		log: d.log.With("flow", id, "role", "reader"),
	}
	if !d.track(func() { d.readers[r] = struct{}{} }) {
		r.release()
		return nil, ErrDomainClosed
	}
	return r, nil
}

// Flows lists the ids of every flow in the domain, sorted.
func (d *Domain) Flows() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), flowDirSuffix)
		if !ok || !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// FlowInfo returns a snapshot of a flow's configuration and runtime state.
func (d *Domain) FlowInfo(id uuid.UUID) (FlowInfo, error) {
	ff, err := openFlowFile(id, filepath.Join(d.flowDir(id), flowDataFile))
	if err != nil {
		return FlowInfo{}, flowErr(id, "flow info", err)
	}
	defer ff.close()
	return FlowInfo{Config: ff.cfg, Runtime: ff.m.runtime()}, nil
}

// FlowDefinition returns the flow definition document exactly as its
// writer published it.
func (d *Domain) FlowDefinition(id uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.flowDir(id), flowDefFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, flowErr(id, "flow definition", ErrFlowNotFound)
	}
	if err != nil {
		return nil, flowErr(id, "flow definition", err)
	}
	return data, nil
}

// DeleteFlow removes a flow's files. Processes that still have it mapped
// see ErrFlowInvalid on their next wait.
func (d *Domain) DeleteFlow(id uuid.UUID) error {
	dir := d.flowDir(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return flowErr(id, "delete", ErrFlowNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return flowErr(id, "delete", err)
	}
	d.log.Info("flow deleted", "flow", id)
	return nil
}

// GarbageCollect removes every flow that no process holds open and returns
// how many were removed.
func (d *Domain) GarbageCollect() (int, error) {
	ids, err := d.Flows()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		ok, err := removeIfUnused(d.flowDir(id))
		if err != nil {
			d.log.Warn("garbage collect failed", "flow", id, "error", err)
			continue
		}
		if ok {
			removed++
			d.log.Info("flow garbage collected", "flow", id)
		}
	}
	return removed, nil
}

// Close releases every writer and reader opened through the domain.
func (d *Domain) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	writers := d.writers
	readers := d.readers
	d.writers = nil
	d.readers = nil
	d.mu.Unlock()

	var errs []error
	for r := range readers {
		errs = append(errs, r.release())
	}
	for w := range writers {
		errs = append(errs, w.release())
	}
	return errors.Join(errs...)
}

func (d *Domain) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDomainClosed
	}
	return nil
}

func (d *Domain) track(add func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	add()
	return true
}

func (d *Domain) untrackWriter(w *Writer) {
	d.mu.Lock()
	delete(d.writers, w)
	d.mu.Unlock()
}

func (d *Domain) untrackReader(r *Reader) {
	d.mu.Lock()
	delete(d.readers, r)
	d.mu.Unlock()
}

// removeIfUnused deletes a flow directory when neither a writer nor any
// reader holds it. It reports whether the flow was removed.
func removeIfUnused(dir string) (bool, error) {
	lockFile, err := os.OpenFile(filepath.Join(dir, writerLockFile), os.O_RDWR, 0)
	if err == nil {
		defer lockFile.Close()
		ok, err := tryLockExclusive(lockFile)
		if err != nil || !ok {
			return false, err
		}
		defer unlock(lockFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	data, err := os.OpenFile(filepath.Join(dir, flowDataFile), os.O_RDWR, 0)
	if err == nil {
		defer data.Close()
		ok, err := tryLockExclusive(data)
		if err != nil || !ok {
			return false, err
		}
		defer unlock(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// flowFile is an open, locked and mapped flow data file.
type flowFile struct {
	path string
	file *os.File
	stat os.FileInfo
	m    *mapping
	cfg  FlowConfig
}

// openFlowFile opens and maps an existing data file under a shared lock.
func openFlowFile(id uuid.UUID, path string) (*flowFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := lockShared(f); err != nil {
		f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < headerSize {
		f.Close()
		return nil, ErrFlowInvalid
	}
	mem, err := mapFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	m := newMapping(mem)
	if err := m.validate(); err != nil {
		_ = unmap(mem)
		f.Close()
		return nil, err
	}
	ff := &flowFile{path: path, file: f, stat: st, m: m, cfg: m.config()}
	if ff.cfg.ID != id {
		ff.close()
		return nil, ErrFlowInvalid
	}
	return ff, nil
}

// stale reports whether the data file this mapping came from has been
// removed or replaced.
func (ff *flowFile) stale() bool {
	st, err := os.Stat(ff.path)
	return err != nil || !os.SameFile(st, ff.stat)
}

func (ff *flowFile) close() error {
	err := unmap(ff.m.mem)
	ff.m.mem = nil
	return errors.Join(err, ff.file.Close())
}
