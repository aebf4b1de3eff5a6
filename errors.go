package jitter

import "fmt"

// InitError is a startup self-test or usage failure code. The numeric
// values are part of the library ABI and must not be reordered.
type InitError int

const (
	// ENOTIME reports that no usable timer service is available.
	ENOTIME InitError = iota + 1

	// ECOARSETIME reports a timer too coarse to carry jitter.
	ECOARSETIME

	// ENOMONOTONIC reports a timer that ran backwards during the self-test.
	ENOMONOTONIC

	// EMINVARIATION reports too little variation between timer deltas.
	EMINVARIATION

	// EVARVAR reports a timer whose second time derivative is always zero.
	EVARVAR

	// EMINVARVAR reports too little variation in the second time derivative.
	EMINVARVAR

	// EPROGERR reports misuse of the library by the caller.
	EPROGERR

	// ESTUCK reports too many stuck measurements during the self-test.
	ESTUCK

	// EHEALTH reports a health test failure during the self-test.
	EHEALTH

	// ERCT reports a repetition count test failure during the self-test.
	ERCT

	// EHASH reports a failed hash primitive self-test.
	EHASH

	// Slot 12 is the historical allocation failure code, which cannot
	// occur here.
	_

	// EGCD reports that no common timer divisor could be computed.
	EGCD
)

var initErrorText = map[InitError]string{
	ENOTIME:       "timer service not available",
	ECOARSETIME:   "timer too coarse",
	ENOMONOTONIC:  "timer is not monotonically increasing",
	EMINVARIATION: "timer variations too small",
	EVARVAR:       "timer produces no variations of variations",
	EMINVARVAR:    "timer variations of variations too small",
	EPROGERR:      "programming error",
	ESTUCK:        "too many stuck measurements",
	EHEALTH:       "health test failed",
	ERCT:          "repetition count test failed",
	EHASH:         "hash self-test failed",
	EGCD:          "timer delta gcd self-test failed",
}

func (e InitError) Error() string {
	text, ok := initErrorText[e]
	if !ok {
		return fmt.Sprintf("jitter: init error %d", int(e))
	}

	return "jitter: " + text
}

// HealthError is the sticky mask of failed runtime health tests. Once a
// read returns one, the collector is permanently unusable.
type HealthError uint

const (
	RCTFailure HealthError = 1 << iota
	APTFailure
	LagFailure
)

func (e HealthError) Error() string {
	s := "jitter: permanent health failure:"

	if e&RCTFailure != 0 {
		s += " rct"
	}

	if e&APTFailure != 0 {
		s += " apt"
	}

	if e&LagFailure != 0 {
		s += " lag"
	}

	return s
}
