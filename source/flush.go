package source

import (
	"context"
	"sync"
)

// Flush is the host's unlock signal. While flushing, every wait a source
// is blocked in returns early. A new Flush starts out flushing.
type Flush struct {
	mu       sync.Mutex
	flushing bool
	done     chan struct{}
}

// NewFlush returns a Flush in the flushing state.
func NewFlush() *Flush {
	done := make(chan struct{})
	close(done)
	return &Flush{flushing: true, done: done}
}

// Unlock enters the flushing state and wakes every waiter.
func (f *Flush) Unlock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushing {
		return
	}
	f.flushing = true
	close(f.done)
}

// UnlockStop leaves the flushing state.
func (f *Flush) UnlockStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.flushing {
		return
	}
	f.flushing = false
	f.done = make(chan struct{})
}

// Flushing reports whether the host is flushing.
func (f *Flush) Flushing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushing
}

// Done returns a channel closed by the next Unlock, or already closed
// while flushing.
func (f *Flush) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Context derives a context from parent that is also cancelled by Unlock.
func (f *Flush) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := f.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
