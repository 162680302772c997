package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zsiec/mxl/clock"
)

// DefaultHistoryDuration is how much media a flow retains when neither the
// domain nor the caller says otherwise.
const DefaultHistoryDuration = 200 * time.Millisecond

const domainOptionsFile = "options.json"

// Options configures a Domain.
type Options struct {
	// Clock supplies domain time. Defaults to clock.TAI.
	Clock clock.Clock
	// HistoryDuration sizes new flows. Overrides the domain's options.json.
	HistoryDuration time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// domainOptions is the on-disk form of options.json in a domain directory.
type domainOptions struct {
	HistoryDurationMs int64 `json:"urn:x-mxl:option:history_duration/v1.0,omitempty"`
}

func loadDomainOptions(dir string) (domainOptions, error) {
	var opts domainOptions
	data, err := os.ReadFile(filepath.Join(dir, domainOptionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return opts, nil
	}
	if err != nil {
		return opts, fmt.Errorf("read domain options: %w", err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("%w: domain options: %v", ErrInvalidArg, err)
	}
	return opts, nil
}

// FlowOptions tunes a flow at creation time. The JSON keys match the
// option URNs accepted by other implementations of the domain format.
type FlowOptions struct {
	MaxCommitBatchSizeHint uint32 `json:"urn:x-mxl:option:max_commit_batch_size_hint/v1.0,omitempty"`
	MaxSyncBatchSizeHint   uint32 `json:"urn:x-mxl:option:max_sync_batch_size_hint/v1.0,omitempty"`

	// GrainCount and BufferLength override the sizes derived from the
	// domain history duration.
	GrainCount   uint32 `json:"-"`
	BufferLength uint32 `json:"-"`
}

// ParseFlowOptions decodes a JSON options document. Empty input yields
// zero options.
func ParseFlowOptions(data []byte) (*FlowOptions, error) {
	var o FlowOptions
	if len(data) == 0 {
		return &o, nil
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: flow options: %v", ErrInvalidArg, err)
	}
	return &o, nil
}
