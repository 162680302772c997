package clock

import (
	"sync/atomic"
	"time"
)

// Manual is a Clock that only moves when told to. It is safe for
// concurrent use.
type Manual struct {
	ns atomic.Uint64
}

// NewManual returns a Manual clock reading ns.
func NewManual(ns uint64) *Manual {
	m := &Manual{}
	m.ns.Store(ns)
	return m
}

// Now returns the clock's current reading.
func (m *Manual) Now() uint64 { return m.ns.Load() }

// Set moves the clock to ns.
func (m *Manual) Set(ns uint64) { m.ns.Store(ns) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.ns.Add(uint64(d)) }
