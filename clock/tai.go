package clock

import "time"

// taiLeapSeconds is the TAI-UTC offset applied when the platform has no
// TAI clock of its own.
const taiLeapSeconds = 37

func realtimeTAI() uint64 {
	return uint64(time.Now().UnixNano()) + taiLeapSeconds*nsPerSecond
}
