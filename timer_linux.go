//go:build linux
// +build linux

package jitter

import "golang.org/x/sys/unix"

// platformTime reads CLOCK_MONOTONIC_RAW, the rawest cycle-derived
// clock Linux exposes without privileged instructions. NTP slewing
// never touches it, so deltas stay a pure function of execution time.
func platformTime() uint64 {
	var ts unix.Timespec

	err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts)
	if err != nil {
		return monotonicTime()
	}

	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}
