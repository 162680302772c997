package source

import (
	"context"
	"errors"

	"github.com/zsiec/mxl/store"
)

// Outcomes of a Create call other than a buffer.
var (
	// ErrNoData means no unit arrived in time or the flow went away. The
	// caller decides whether to reinitialize or stop.
	ErrNoData = errors.New("source: no data available")
	// ErrInvalidGrain means the writer flagged the grain as invalid.
	ErrInvalidGrain = errors.New("source: grain flagged invalid")
	// ErrEOS means the source stopped because the host is flushing or no
	// longer playing.
	ErrEOS = errors.New("source: end of stream")
	// ErrNoClock means the host clock has no running time to stamp
	// buffers with.
	ErrNoClock = errors.New("source: host clock has no running time")
)

// noData folds the read failures that mean "nothing to read right now"
// into ErrNoData and passes every other error through.
func noData(err error) error {
	switch {
	case errors.Is(err, store.ErrTimeout),
		errors.Is(err, store.ErrTooEarly),
		errors.Is(err, store.ErrTooLate),
		errors.Is(err, store.ErrFlowNotFound),
		errors.Is(err, store.ErrFlowInvalid),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrNoData
	}
	return err
}
