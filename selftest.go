package jitter

import (
	"errors"
	"slices"
	"sync"
)

const (
	initCoarseSamples = 300
	initWarmupSamples = 1024
	initGCDSamples    = 1000
)

// Process-wide state. Written once by a successful Init; the switch
// functions refuse to run afterwards.
var (
	globalMu          sync.Mutex
	globalInitialized bool
	globalGCD         uint64
	globalNotimeSel   bool

	globalNotime      NotimeThread = builtinNotime{}
	makeConditioner   func() Conditioner = newSHA3Conditioner
	globalFIPSCb      FIPSFailureCallback
)

// FIPSFailureCallback receives the failing collector and the permanent
// health failure mask. It must not call back into the generator.
type FIPSFailureCallback func(c *Collector, failure HealthError)

// SetFIPSFailureCallback registers the process-wide callback invoked
// when a read detects a permanent health failure.
func SetFIPSFailureCallback(cb FIPSFailureCallback) error {
	if cb == nil {
		return EPROGERR
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	globalFIPSCb = cb

	return nil
}

// SwitchNotimeImpl replaces the software timer thread backend. It must
// be the first interaction with the package, before Init.
func SwitchNotimeImpl(impl NotimeThread) error {
	if impl == nil {
		return EPROGERR
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInitialized {
		return EPROGERR
	}

	globalNotime = impl

	return nil
}

// SwitchConditioner replaces the hashing backend factory. Like
// SwitchNotimeImpl it is only valid before Init.
func SwitchConditioner(f func() Conditioner) error {
	if f == nil {
		return EPROGERR
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if globalInitialized {
		return EPROGERR
	}

	makeConditioner = f

	return nil
}

func commonGCD() uint64 {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalGCD == 0 {
		return 1
	}

	return globalGCD
}

func notimeImpl() NotimeThread {
	globalMu.Lock()
	defer globalMu.Unlock()

	return globalNotime
}

func notimeSelected() bool {
	globalMu.Lock()
	defer globalMu.Unlock()

	return globalNotimeSel
}

func fipsCallback() FIPSFailureCallback {
	globalMu.Lock()
	defer globalMu.Unlock()

	return globalFIPSCb
}

// Init runs the process-wide startup self-test against the platform
// timer and installs the common timer divisor. When the platform timer
// flunks a quality check and the software timer is not disabled, the
// whole test is repeated on the software timer before giving up.
//
// Init is idempotent; only the first successful run installs state.
func Init(osr uint, flags Flag) error {
	globalMu.Lock()

	if globalInitialized {
		globalMu.Unlock()

		return nil
	}

	globalMu.Unlock()

	useNotime := flags&ForceInternalTimer != 0

	var (
		res initResult
		err error
	)

	if !useNotime {
		res, err = entropyInit(osr, flags, platformTime)

		switch {
		case err == nil:
		case !timerQualityFailure(err):
			return err
		case flags&DisableInternalTimer != 0:
			if errors.Is(err, ECOARSETIME) {
				return ENOTIME
			}

			return err
		default:
			useNotime = true
		}
	}

	if useNotime {
		res, err = entropyInitNotime(osr, flags)
		if err != nil {
			return err
		}
	}

	globalMu.Lock()

	globalGCD = res.gcd
	globalNotimeSel = useNotime
	globalInitialized = true

	globalMu.Unlock()

	return nil
}

type initResult struct {
	gcd uint64
}

// timerQualityFailure reports whether err indicts the time source
// itself rather than the environment or the caller. Only these
// failures justify retrying on the software timer.
func timerQualityFailure(err error) bool {
	return errors.Is(err, ECOARSETIME) ||
		errors.Is(err, ENOMONOTONIC) ||
		errors.Is(err, EMINVARIATION) ||
		errors.Is(err, EVARVAR) ||
		errors.Is(err, EMINVARVAR) ||
		errors.Is(err, ESTUCK)
}

// entropyInit measures the quality of one time source and derives the
// common delta divisor from it.
func entropyInit(osr uint, flags Flag, now func() uint64) (initResult, error) {
	if now == nil {
		return initResult{}, ENOTIME
	}

	err := makeConditioner().SelfTest()
	if err != nil {
		return initResult{}, err
	}

	err = coarsenessCheck(now)
	if err != nil {
		return initResult{}, err
	}

	c, err := New(osr, flags, WithTimeSource(now))
	if err != nil {
		return initResult{}, err
	}

	defer c.Close()

	return warmup(c)
}

// entropyInitNotime runs the same acceptance test with the software
// timer thread as the time source.
func entropyInitNotime(osr uint, flags Flag) (initResult, error) {
	err := makeConditioner().SelfTest()
	if err != nil {
		return initResult{}, err
	}

	c, err := New(osr, flags|ForceInternalTimer)
	if err != nil {
		return initResult{}, err
	}

	defer c.Close()

	err = c.notimeStart()
	if err != nil {
		return initResult{}, ENOTIME
	}

	defer c.notimeStop()

	err = coarsenessCheck(c.now)
	if err != nil {
		return initResult{}, err
	}

	return warmup(c)
}

// coarsenessCheck rejects time sources whose typical tick is zero at
// our sampling rate.
func coarsenessCheck(now func() uint64) error {
	deltas := make([]uint64, initCoarseSamples)

	prev := now()

	for i := range deltas {
		t := now()

		deltas[i] = t - prev
		prev = t
	}

	slices.Sort(deltas)

	if deltas[len(deltas)/2] == 0 {
		return ECOARSETIME
	}

	return nil
}

// warmup runs the 1024-sample acceptance loop on a freshly allocated
// collector and computes the common timer divisor from the raw deltas.
// The lag predictor sits out the warm-up: strongly periodic calibration
// traces are exactly what the divisor is there to absorb, and would
// otherwise condemn a healthy timer.
func warmup(c *Collector) (initResult, error) {
	c.gcd = 1
	c.lagEnabled = false

	deltas := make([]uint64, 0, initWarmupSamples)

	var (
		stuckCount int
		deltaVar   int
		delta2Var  int

		lastDelta  uint64
		lastDelta1 uint64
	)

	// Prime prev_time so the first recorded delta is a real one.
	c.memAccess()
	c.prevTime = c.now()

	for i := 0; i < initWarmupSamples; i++ {
		c.memAccess()

		t := c.now()

		if t < c.prevTime {
			return initResult{}, ENOMONOTONIC
		}

		delta := t - c.prevTime
		c.prevTime = t

		stuck := c.stuckCheck(delta)
		if stuck {
			stuckCount++
		}

		c.aptInsert(delta)
		c.rctInsert(stuck)

		delta1 := delta - lastDelta
		delta2 := delta1 - lastDelta1

		if i > 0 && delta1 != 0 {
			deltaVar++
		}

		if i > 1 && delta2 != 0 {
			delta2Var++
		}

		lastDelta = delta
		lastDelta1 = delta1

		deltas = append(deltas, delta)
	}

	if deltaVar < initWarmupSamples/10 {
		return initResult{}, EMINVARIATION
	}

	if delta2Var == 0 {
		return initResult{}, EVARVAR
	}

	if delta2Var < initWarmupSamples/10 {
		return initResult{}, EMINVARVAR
	}

	if stuckCount > (initWarmupSamples*9)/10 {
		return initResult{}, ESTUCK
	}

	if c.healthFailure&RCTFailure != 0 {
		return initResult{}, ERCT
	}

	if c.healthFailure != 0 {
		return initResult{}, EHEALTH
	}

	gcd := gcdReduce(deltas[:initGCDSamples])
	if gcd == 0 {
		return initResult{}, EGCD
	}

	return initResult{gcd: gcd}, nil
}

// gcdReduce folds the pairwise greatest common divisor over the
// recorded deltas. Dividing every later delta by the result restores
// variation to the least significant bits on platforms that tick in
// units larger than one.
func gcdReduce(deltas []uint64) uint64 {
	var g uint64

	for _, d := range deltas {
		g = gcd64(g, d)
	}

	return g
}

func gcd64(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}

	return a
}
