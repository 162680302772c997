package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
	"github.com/zsiec/mxl/media"
	"github.com/zsiec/mxl/source"
	"github.com/zsiec/mxl/store"
)

// startRetry is how long a consumer waits before retrying a flow that
// does not exist yet.
const startRetry = 100 * time.Millisecond

// ConsumerStats is a point-in-time snapshot of a consumer.
type ConsumerStats struct {
	Buffers         uint64       `json:"buffers"`
	Bytes           uint64       `json:"bytes"`
	Discontinuities uint64       `json:"discontinuities"`
	InvalidGrains   uint64       `json:"invalidGrains"`
	NoData          uint64       `json:"noData"`
	LastPTSNs       int64        `json:"lastPtsNs"`
	Source          source.Stats `json:"source"`
}

// Consumer reads one flow through a source for as long as it runs.
type Consumer struct {
	log  *slog.Logger
	dom  *store.Domain
	id   uuid.UUID
	opts source.Options

	src     atomic.Pointer[source.Source]
	buffers atomic.Uint64
	bytes   atomic.Uint64
	discont atomic.Uint64
	invalid atomic.Uint64
	lastPTS atomic.Int64
}

// NewConsumer creates a Consumer of flow id in dom. If log is nil,
// slog.Default() is used.
func NewConsumer(dom *store.Domain, id uuid.UUID, opts source.Options, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		log:  log.With("component", "consumer", "flow", id),
		dom:  dom,
		id:   id,
		opts: opts,
	}
}

// FlowID returns the id of the consumed flow.
func (c *Consumer) FlowID() uuid.UUID { return c.id }

// Run waits for the flow to exist, then reads buffers until ctx is
// cancelled. A flow that disappears is reopened by the source.
func (c *Consumer) Run(ctx context.Context) error {
	state := func() media.State {
		if ctx.Err() != nil {
			return media.StateNull
		}
		return media.StatePlaying
	}
	src := source.New(c.dom, c.id, c.opts, state, c.log)
	c.src.Store(src)

	for {
		err := src.Start()
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrFlowNotFound) && !errors.Is(err, store.ErrFlowInvalid) {
			return fmt.Errorf("start source: %w", err)
		}
		c.log.Debug("waiting for flow", "error", err)
		if err := clock.Sleep(ctx, startRetry); err != nil {
			return nil
		}
	}
	defer src.Stop()

	running := media.NewRunningClock()
	for {
		buf, err := src.Create(ctx, running)
		switch {
		case err == nil:
			c.observe(buf)
		case errors.Is(err, source.ErrInvalidGrain):
			c.invalid.Add(1)
		case errors.Is(err, source.ErrEOS), ctx.Err() != nil:
			c.log.Info("consumer stopped", "buffers", c.buffers.Load())
			return nil
		default:
			return fmt.Errorf("read flow: %w", err)
		}
	}
}

func (c *Consumer) observe(buf *media.Buffer) {
	c.buffers.Add(1)
	c.bytes.Add(uint64(len(buf.Data)))
	if buf.Discont {
		c.discont.Add(1)
	}
	if buf.HasPTS {
		c.lastPTS.Store(int64(buf.PTS))
	}
}

// Stats returns a point-in-time snapshot of the consumer. NoData counts
// the times the source found nothing to read and reopened the flow.
func (c *Consumer) Stats() ConsumerStats {
	st := ConsumerStats{
		Buffers:         c.buffers.Load(),
		Bytes:           c.bytes.Load(),
		Discontinuities: c.discont.Load(),
		InvalidGrains:   c.invalid.Load(),
		LastPTSNs:       c.lastPTS.Load(),
	}
	if src := c.src.Load(); src != nil {
		st.Source = src.Stats()
		st.NoData = st.Source.Reinits
	}
	return st
}
