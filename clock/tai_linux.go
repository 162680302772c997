//go:build linux

package clock

import "golang.org/x/sys/unix"

func taiNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_TAI, &ts); err != nil {
		return realtimeTAI()
	}
	return uint64(ts.Nano())
}
