package jitter

type options struct {
	timeSource   func() uint64
	accessLoops  int
	memBlocks    int
	memBlockSize int
}

type option func(*options)

// WithTimeSource replaces the platform clock with a caller-supplied
// counter. A deterministic source makes the collector fully replayable,
// which is how the offline regression scenarios drive the core; it also
// disables the software timer thread.
func WithTimeSource(now func() uint64) option {
	return func(o *options) {
		o.timeSource = now
	}
}

// WithAccessLoops overrides the number of read-modify-write operations
// the workload performs per measurement (default 128).
func WithAccessLoops(n int) option {
	return func(o *options) {
		if n > 0 {
			o.accessLoops = n
		}
	}
}

// WithBlockMemory switches the workload from the random walk to a
// strided visit of blocks x blocksize bytes (defaults 512 x 128).
func WithBlockMemory(blocks, blocksize int) option {
	return func(o *options) {
		if blocks <= 0 {
			blocks = defaultMemBlocks
		}

		if blocksize <= 0 {
			blocksize = defaultMemBlockSize
		}

		o.memBlocks = blocks
		o.memBlockSize = blocksize
	}
}
