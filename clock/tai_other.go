//go:build !linux

package clock

func taiNow() uint64 { return realtimeTAI() }
