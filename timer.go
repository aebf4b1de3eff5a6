package jitter

import "time"

var timerEpoch = time.Now()

// monotonicTime reads the runtime's monotonic clock relative to process
// start, in nanoseconds. It backs platforms without a dedicated
// high-resolution clock syscall and the fallback path on those with
// one.
func monotonicTime() uint64 {
	return uint64(time.Since(timerEpoch))
}
