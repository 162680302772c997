// Package inspect exposes a read-only view of a domain: its flows, their
// definitions and latency, and the pipelines a bridge is running. The same
// routes are served over HTTPS and HTTP/3.
package inspect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/store"
)

// FlowSummary describes one flow and how far its writer is behind the
// domain clock.
type FlowSummary struct {
	ID        uuid.UUID    `json:"id"`
	Label     string       `json:"label,omitempty"`
	MediaType string       `json:"mediaType,omitempty"`
	Format    store.Format `json:"format"`
	Rate      string       `json:"rate"`
	Capacity  uint64       `json:"capacity"`
	HeadIndex uint64       `json:"headIndex"`
	Current   uint64       `json:"currentIndex"`
	// Latency is current - head in indices. It is negative when the writer
	// runs ahead of the clock.
	Latency int64 `json:"latency"`
	// Stale is set when the head has fallen further behind than the flow
	// retains.
	Stale          bool  `json:"stale"`
	LastWriteAgeMs int64 `json:"lastWriteAgeMs"`
	LastReadAgeMs  int64 `json:"lastReadAgeMs"`
}

// FlowDetail is a summary together with the raw configuration and runtime
// state of the flow.
type FlowDetail struct {
	FlowSummary
	Config  store.FlowConfig  `json:"config"`
	Runtime store.FlowRuntime `json:"runtime"`
}

// Describe builds the detail view of flow id. A definition that cannot be
// read or parsed leaves the label and media type empty.
func Describe(dom *store.Domain, id uuid.UUID) (FlowDetail, error) {
	info, err := dom.FlowInfo(id)
	if err != nil {
		return FlowDetail{}, err
	}
	cfg, rt := info.Config, info.Runtime
	current, err := dom.CurrentIndex(cfg.Rate)
	if err != nil {
		return FlowDetail{}, fmt.Errorf("current index: %w", err)
	}

	now := dom.Now()
	d := FlowDetail{
		FlowSummary: FlowSummary{
			ID:             id,
			Format:         cfg.Format,
			Rate:           cfg.Rate.String(),
			Capacity:       cfg.Capacity(),
			HeadIndex:      rt.HeadIndex,
			Current:        current,
			Latency:        int64(current - rt.HeadIndex),
			LastWriteAgeMs: ageMs(now, rt.LastWriteTime),
			LastReadAgeMs:  ageMs(now, rt.LastReadTime),
		},
		Config:  cfg,
		Runtime: rt,
	}
	d.Stale = d.Latency > 0 && uint64(d.Latency) > d.Capacity

	if raw, err := dom.FlowDefinition(id); err == nil {
		var def flowdef.Definition
		if json.Unmarshal(raw, &def) == nil {
			d.Label = def.Label
			d.MediaType = def.MediaType
		}
	}
	return d, nil
}

// Summaries describes every flow in the domain. Flows that vanish while
// being listed are skipped.
func Summaries(dom *store.Domain) ([]FlowSummary, error) {
	ids, err := dom.Flows()
	if err != nil {
		return nil, err
	}
	out := make([]FlowSummary, 0, len(ids))
	for _, id := range ids {
		d, err := Describe(dom, id)
		if err != nil {
			continue
		}
		out = append(out, d.FlowSummary)
	}
	return out, nil
}

func ageMs(now, t uint64) int64 {
	if t == 0 || t > now {
		return 0
	}
	return time.Duration(now - t).Milliseconds()
}
