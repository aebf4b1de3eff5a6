// Package jitter implements a non-physical true random number generator
// that harvests entropy from the execution timing jitter of the CPU. A
// fixed memory-access and hashing workload is run between timer reads;
// the measured durations are health-tested against SP 800-90B and mixed
// into a SHA3-256 conditioning state that backs every output block.
package jitter

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Flag is the construction option bitset accepted by Init and New. The
// bit positions are part of the library ABI.
type Flag uint32

const (
	// DisableStir is a historical flag bit.
	//
	// Deprecated: the bit is reserved and has no effect.
	DisableStir Flag = 1 << 0

	// DisableUnbias is a historical flag bit.
	//
	// Deprecated: the bit is reserved and has no effect.
	DisableUnbias Flag = 1 << 1

	// DisableMemoryAccess removes the memory walk from the workload,
	// leaving only the hash round. Saves the workload buffer at the cost
	// of a reduced entropy rate.
	DisableMemoryAccess Flag = 1 << 2

	// ForceInternalTimer selects the software timer thread even when the
	// platform clock would pass the startup self-test.
	ForceInternalTimer Flag = 1 << 3

	// DisableInternalTimer forbids falling back to the software timer.
	DisableInternalTimer Flag = 1 << 4

	// ForceFIPS selects full SP 800-90B compliant operation.
	ForceFIPS Flag = 1 << 5
)

// Bits 28-31 of the flags cap the workload buffer at 2^(k+14) bytes.
const (
	maxMemsizeShift  = 28
	maxMemsizeOffset = 14

	MaxMemsize32kB Flag = Flag(iota-1) << maxMemsizeShift
	MaxMemsize64kB
	MaxMemsize128kB
	MaxMemsize256kB
	MaxMemsize512kB
	MaxMemsize1MB
	MaxMemsize2MB
	MaxMemsize4MB
	MaxMemsize8MB
	MaxMemsize16MB
	MaxMemsize32MB
	MaxMemsize64MB
	MaxMemsize128MB
	MaxMemsize256MB
	MaxMemsize512MB

	MaxMemsizeMax = MaxMemsize512MB
)

const (
	// DataSizeBits is the width of one squeezed output block.
	DataSizeBits = 256

	// entropySafetyFactor is the surplus of absorbed entropy bits beyond
	// the output width of each block, per SP 800-90C's full-entropy bound.
	entropySafetyFactor = 64

	// minOSR is the lowest accepted oversampling rate. The loop shuffle
	// operation is permanently disabled, which requires at least 3.
	minOSR = 3
)

// Collector is the entropy collector: it owns the conditioning state,
// the workload buffer and all health test counters. A Collector must
// not be shared between goroutines while a read is in flight.
type Collector struct {
	mu     sync.Mutex
	closed bool

	cond    Conditioner
	scratch [8]byte
	block   [sha3DigestSize]byte

	prevTime   uint64
	lastDelta  uint64
	lastDelta2 uint64

	osr   uint
	flags Flag

	fipsEnabled  bool
	enableNotime bool
	maxMemSet    bool

	mem            []byte
	memmask        uint32
	memLocation    int
	memBlocks      int
	memBlockSize   int
	memAccessLoops int
	memState       uint64

	timeFn func() uint64
	gcd    uint64

	healthFailure HealthError

	rctCount  int
	rctCutoff uint

	aptCutoff       uint
	aptObservations uint
	aptCount        uint
	aptBase         uint64
	aptBaseSet      bool

	lagEnabled       bool
	lagGlobalCutoff  uint
	lagLocalCutoff   uint
	lagSuccessCount  uint
	lagSuccessRun    uint
	lagBestPredictor int
	lagObservations  uint
	lagHistory       [lagHistorySize]uint64
	lagScoreboard    [lagHistorySize]uint

	notime notimeState
}

// New allocates a collector. An osr of 0 selects the default
// oversampling rate; smaller values are raised to the minimum.
func New(osr uint, flags Flag, opts ...option) (*Collector, error) {
	const timerFlags = ForceInternalTimer | DisableInternalTimer

	if flags&timerFlags == timerFlags {
		return nil, errors.New("jitter: internal timer both forced and disabled")
	}

	if osr < minOSR {
		osr = minOSR
	}

	o := options{
		accessLoops: defaultAccessLoops,
	}

	for _, fn := range opts {
		fn(&o)
	}

	c := &Collector{
		cond:           makeConditioner(),
		osr:            osr,
		flags:          flags,
		fipsEnabled:    flags&ForceFIPS != 0,
		memAccessLoops: o.accessLoops,
		timeFn:         platformTime,
		gcd:            commonGCD(),
		lagEnabled:     true,
	}

	if flags&ForceInternalTimer != 0 || (notimeSelected() && flags&DisableInternalTimer == 0) {
		c.enableNotime = true
	}

	if o.timeSource != nil {
		// A replayed time source takes over completely, including from
		// the software timer thread.
		c.timeFn = o.timeSource
		c.enableNotime = false
	}

	if flags&DisableMemoryAccess == 0 {
		size, capped := memorySize(flags)

		c.maxMemSet = capped
		c.memState = memSeed

		if o.memBlocks > 0 {
			c.memBlocks = o.memBlocks
			c.memBlockSize = o.memBlockSize
			c.mem = make([]byte, o.memBlocks*o.memBlockSize)
		} else {
			c.mem = make([]byte, size)
			c.memmask = uint32(size - 1)
		}
	}

	c.healthInit()

	return c, nil
}

// Read fills p with conditioned entropy, implementing io.Reader. The
// conditioning state persists across calls; every prior measurement
// keeps influencing later output. A permanent health failure surfaces
// as a HealthError and dooms the collector.
func (c *Collector) Read(p []byte) (n int, err error) {
	if c == nil {
		return 0, EPROGERR
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(p) == 0 {
		return 0, EPROGERR
	}

	if c.healthFailure != 0 {
		return 0, c.healthFailure
	}

	if c.enableNotime {
		err = c.notimeStart()
		if err != nil {
			return 0, err
		}

		defer c.notimeStop()
	}

	for n < len(p) {
		err = c.generate()
		if err != nil {
			return n, err
		}

		c.cond.Squeeze(&c.block)

		todo := min(len(p)-n, sha3DigestSize)

		copy(p[n:], c.block[:todo])
		clear(c.block[:])

		n += todo
	}

	return n, nil
}

// ReadSafe behaves like Read, but recovers from a permanent health
// failure once by discarding the poisoned state and rebuilding the
// collector before retrying. Only a second failure is surfaced.
func (c *Collector) ReadSafe(p []byte) (int, error) {
	n, err := c.Read(p)

	var herr HealthError

	if !errors.As(err, &herr) {
		return n, err
	}

	err = c.reinit()
	if err != nil {
		return n, herr
	}

	m, err := c.Read(p[n:])

	return n + m, err
}

// Close wipes all sensitive state and releases the workload buffer.
// The collector must not be used afterwards.
func (c *Collector) Close() error {
	if c == nil {
		return EPROGERR
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return EPROGERR
	}

	c.closed = true

	c.wipe()

	c.cond = nil
	c.mem = nil

	if c.notime.ctx != nil {
		notimeImpl().Fini(c.notime.ctx)

		c.notime.ctx = nil
	}

	return nil
}

// generate absorbs measurements until enough non-stuck samples back the
// next output block, oversampled by osr.
func (c *Collector) generate() error {
	// Priming of the prev_time value.
	c.measure()

	want := (DataSizeBits + entropySafetyFactor) * int(c.osr)

	for k := 0; k < want; {
		_, stuck := c.measure()

		if c.healthFailure != 0 {
			return c.failHealth()
		}

		if !stuck {
			k++
		}
	}

	return nil
}

// measure runs one noise source round: workload, timestamp, stuck
// classification, health tests, and conditioning of the normalized
// delta. Stuck samples reach the health tests but are never absorbed.
func (c *Collector) measure() (uint64, bool) {
	c.memAccess()

	t := c.now()

	delta := (t - c.prevTime) / c.gcd
	c.prevTime = t

	stuck := c.stuckCheck(delta)

	c.aptInsert(delta)
	c.rctInsert(stuck)
	c.lagInsert(delta)

	if !stuck {
		binary.LittleEndian.PutUint64(c.scratch[:], delta)
		c.cond.Absorb(c.scratch[:])
	}

	return delta, stuck
}

func (c *Collector) now() uint64 {
	if c.enableNotime {
		v := c.notime.timer.Load()
		c.notime.prevTimer = v

		return v
	}

	return c.timeFn()
}

func (c *Collector) failHealth() error {
	err := c.healthFailure

	if cb := fipsCallback(); cb != nil {
		cb(c, err)
	}

	return err
}

// reinit rebuilds the collector in place after a permanent health
// failure, keeping osr, flags, geometry and timer binding.
func (c *Collector) reinit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return EPROGERR
	}

	c.wipe()

	c.cond = makeConditioner()
	c.gcd = commonGCD()

	if c.mem != nil {
		c.memState = memSeed
		c.memLocation = 0
	}

	c.healthInit()

	return nil
}

// wipe zeroizes every field that could leak timing or pool state.
func (c *Collector) wipe() {
	if c.cond != nil {
		c.cond.Reset()
	}

	clear(c.mem)
	clear(c.scratch[:])
	clear(c.block[:])
	clear(c.lagHistory[:])
	clear(c.lagScoreboard[:])

	c.prevTime = 0
	c.lastDelta = 0
	c.lastDelta2 = 0
	c.memState = 0
	c.notime.prevTimer = 0

	c.healthFailure = 0
	c.rctCount = 0
	c.aptReset()
	c.lagReset()
}

// memorySize decodes bits 28-31 of the flags into the workload buffer
// size and reports whether the caller configured one.
func memorySize(flags Flag) (int, bool) {
	k := uint(flags >> maxMemsizeShift)

	if k == 0 {
		return defaultMemorySize, false
	}

	size := 1 << (k + maxMemsizeOffset)
	if size > maxMemorySize {
		size = maxMemorySize
	}

	return size, true
}

const (
	verMajor = 1
	verMinor = 0
	verPatch = 0
)

// Version returns the numeric library version, encoded as
// major*1000000 + minor*10000 + patch*100.
func Version() uint32 {
	return verMajor*1000000 + verMinor*10000 + verPatch*100
}
