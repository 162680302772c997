package store

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared futex ops; the sequence word lives in a file mapping visible to
// other processes, so the private variants cannot be used.
const (
	futexWait = 0
	futexWake = 1
)

// maxWaitSlice bounds a single futex sleep so callers re-check their
// context and deadline regularly.
const maxWaitSlice = 10 * time.Millisecond

// waitChange blocks while *addr == val for at most d. Spurious returns are
// allowed; callers re-check their condition.
func waitChange(addr *uint32, val uint32, d time.Duration) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	d = min(d, maxWaitSlice)
	if d <= 0 {
		return
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	// EAGAIN, EINTR and ETIMEDOUT all mean "re-check".
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
}

// wake wakes every waiter on addr.
func wake(addr *uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWake, uintptr(1<<31-1),
		0, 0, 0)
}
