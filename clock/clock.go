// Package clock provides the domain timeline shared by every process that
// attaches to a media domain: TAI nanoseconds as the time base, and exact
// rational conversion between that time base and the logical indices of a
// flow (grain numbers for video, sample offsets for audio).
package clock

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"
)

// Sentinel errors returned by the conversion functions.
var (
	ErrInvalidRate = errors.New("clock: invalid rate")
	ErrOverflow    = errors.New("clock: result overflows 64 bits")
)

const nsPerSecond = 1_000_000_000

// Rate is a rational edit rate: frames per second for discrete flows,
// samples per second for continuous flows. NTSC rates are expressed
// exactly, e.g. 30000/1001.
type Rate struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

// Valid reports whether both parts of the rate are non-zero.
func (r Rate) Valid() bool {
	return r.Numerator != 0 && r.Denominator != 0
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// Clock reports the current domain time in TAI nanoseconds.
type Clock interface {
	Now() uint64
}

// TAI is the system clock of the domain.
var TAI Clock = taiClock{}

type taiClock struct{}

func (taiClock) Now() uint64 { return taiNow() }

// Now returns the current TAI time in nanoseconds.
func Now() uint64 { return taiNow() }

// TimestampToIndex converts a TAI timestamp to the nearest index at the
// given rate: (ts*num + 0.5e9*den) / (1e9*den), computed in 128 bits.
func TimestampToIndex(r Rate, ts uint64) (uint64, error) {
	if !r.Valid() {
		return 0, ErrInvalidRate
	}
	dh, divisor := bits.Mul64(nsPerSecond, r.Denominator)
	if dh != 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(ts, r.Numerator)
	hh, half := bits.Mul64(nsPerSecond/2, r.Denominator)
	if hh != 0 {
		return 0, ErrOverflow
	}
	hi, lo = add128(hi, lo, half)
	return div128(hi, lo, divisor)
}

// IndexToTimestamp converts an index to its TAI timestamp at the given
// rate: (index*den*1e9 + num/2) / num, computed in 128 bits.
func IndexToTimestamp(r Rate, index uint64) (uint64, error) {
	if !r.Valid() {
		return 0, ErrInvalidRate
	}
	hi, lo := bits.Mul64(index, r.Denominator)
	hi, lo, ok := mul128(hi, lo, nsPerSecond)
	if !ok {
		return 0, ErrOverflow
	}
	hi, lo = add128(hi, lo, r.Numerator/2)
	return div128(hi, lo, r.Numerator)
}

// Duration returns the exact length of count indices starting at index,
// measured on the domain timeline. Because of rounding this can differ by
// a nanosecond from count times the nominal period.
func Duration(r Rate, index, count uint64) (uint64, error) {
	start, err := IndexToTimestamp(r, index)
	if err != nil {
		return 0, err
	}
	end, err := IndexToTimestamp(r, index+count)
	if err != nil {
		return 0, err
	}
	return end - start, nil
}

// CurrentIndex returns the index at the rate that corresponds to the
// clock's current time.
func CurrentIndex(c Clock, r Rate) (uint64, error) {
	return TimestampToIndex(r, c.Now())
}

// NsUntilIndex returns how many nanoseconds remain until index is reached
// on the clock. It returns 0 when the index is current or in the past.
func NsUntilIndex(c Clock, index uint64, r Rate) (uint64, error) {
	ts, err := IndexToTimestamp(r, index)
	if err != nil {
		return 0, err
	}
	now := c.Now()
	if ts <= now {
		return 0, nil
	}
	return ts - now, nil
}

// SleepUntilIndex blocks until index is reached on the clock or ctx is done.
func SleepUntilIndex(ctx context.Context, c Clock, index uint64, r Rate) error {
	ns, err := NsUntilIndex(c, index, r)
	if err != nil {
		return err
	}
	return Sleep(ctx, time.Duration(ns))
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func add128(hi, lo, v uint64) (uint64, uint64) {
	lo, carry := bits.Add64(lo, v, 0)
	return hi + carry, lo
}

func mul128(hi, lo, m uint64) (uint64, uint64, bool) {
	h1, l1 := bits.Mul64(lo, m)
	oh, h2 := bits.Mul64(hi, m)
	if oh != 0 {
		return 0, 0, false
	}
	h, carry := bits.Add64(h1, h2, 0)
	if carry != 0 {
		return 0, 0, false
	}
	return h, l1, true
}

func div128(hi, lo, d uint64) (uint64, error) {
	if hi >= d {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}
