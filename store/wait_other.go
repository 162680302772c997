//go:build !linux

package store

import (
	"sync/atomic"
	"time"
)

const pollInterval = time.Millisecond

// waitChange polls *addr until it differs from val or d elapses.
func waitChange(addr *uint32, val uint32, d time.Duration) {
	deadline := time.Now().Add(min(d, 10*time.Millisecond))
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func wake(*uint32) {}
