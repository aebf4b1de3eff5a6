package jitter

const (
	aptWindowSize = 512

	lagWindowSize  = 1 << 17
	lagHistorySize = 8
	lagMask        = lagHistorySize - 1
)

// aptCutoffs holds the adaptive proportion test cutoff per oversampling
// rate for a significance level of 2^-30, computed with the corrected
// SP 800-90B section 4.4.2 formula. Rates past the table saturate at
// the window size.
var aptCutoffs = [...]uint{
	325, 422, 459, 477, 488, 494, 499, 502, 505, 507, 508, 509, 510, 511, 512,
}

// Lag predictor cutoffs per oversampling rate, targeting the same
// 2^-30 false positive rate over one 2^17 sample window.
var (
	lagGlobalCutoffs = [...]uint{
		66443, 93504, 104761, 110875, 114707, 117330, 119237, 120686, 121823,
		122739, 123493, 124124, 124660, 125120, 125520, 125871, 126181, 126457,
		126704, 126926,
	}

	lagLocalCutoffs = [...]uint{
		38, 75, 111, 146, 181, 215, 250, 284, 318, 351, 385, 419, 452, 485,
		518, 551, 584, 617, 650, 683,
	}
)

// healthInit derives the test cutoffs from the oversampling rate.
func (c *Collector) healthInit() {
	c.aptCutoff = aptCutoffs[min(c.osr, uint(len(aptCutoffs)))-1]

	c.lagGlobalCutoff = lagGlobalCutoffs[min(c.osr, uint(len(lagGlobalCutoffs)))-1]
	c.lagLocalCutoff = lagLocalCutoffs[min(c.osr, uint(len(lagLocalCutoffs)))-1]

	c.rctCutoff = 30 * c.osr
	if c.fipsEnabled {
		c.rctCutoff = 31 * c.osr
	}
}

// stuckCheck classifies a normalized delta by its first and second
// discrete derivatives. A zero anywhere marks the sample stuck: it
// still feeds the health tests, but carries no creditable entropy.
func (c *Collector) stuckCheck(delta uint64) bool {
	delta1 := delta - c.lastDelta
	delta2 := delta1 - c.lastDelta2

	c.lastDelta = delta
	c.lastDelta2 = delta1

	return delta == 0 || delta1 == 0 || delta2 == 0
}

// rctInsert runs the SP 800-90B section 4.4.1 repetition count test
// over the stuck classification. The counter resets on every non-stuck
// sample and trips the sticky failure bit at the osr-derived cutoff.
func (c *Collector) rctInsert(stuck bool) {
	if !stuck {
		c.rctCount = 0

		return
	}

	c.rctCount++

	if uint(c.rctCount) >= c.rctCutoff {
		c.healthFailure |= RCTFailure
	}
}

// aptInsert feeds one delta to the adaptive proportion test. The first
// sample of each 512-observation window becomes the base reference;
// the test counts how often the base reappears before the window ends.
func (c *Collector) aptInsert(delta uint64) {
	if !c.aptBaseSet {
		c.aptBase = delta
		c.aptBaseSet = true
		c.aptCount = 1
		c.aptObservations = 1

		return
	}

	if delta == c.aptBase {
		c.aptCount++

		if c.aptCount >= c.aptCutoff {
			c.healthFailure |= APTFailure
		}
	}

	c.aptObservations++

	if c.aptObservations >= aptWindowSize {
		c.aptReset()
	}
}

func (c *Collector) aptReset() {
	c.aptBase = 0
	c.aptBaseSet = false
	c.aptCount = 0
	c.aptObservations = 0
}

// lagInsert feeds one delta to the lag predictor, which guesses each
// sample from an 8-deep history and flags the source when any lag
// predicts too well, either in total or as an unbroken run.
func (c *Collector) lagInsert(delta uint64) {
	if !c.lagEnabled {
		return
	}

	pos := c.lagObservations

	if pos < lagHistorySize {
		c.lagHistory[pos] = delta
		c.lagObservations++

		return
	}

	prediction := c.lagHistory[(pos-uint(c.lagBestPredictor)-1)&lagMask]

	if prediction == delta {
		c.lagSuccessCount++
		c.lagSuccessRun++

		if c.lagSuccessRun > c.lagLocalCutoff || c.lagSuccessCount > c.lagGlobalCutoff {
			c.healthFailure |= LagFailure
		}
	} else {
		c.lagSuccessRun = 0
	}

	for i := uint(0); i < lagHistorySize; i++ {
		// Does the delta observed i+1 steps back predict the current one?
		if c.lagHistory[(pos-i-1)&lagMask] == delta {
			c.lagScoreboard[i]++

			// Only a strictly higher score takes over; a tie keeps the
			// current best predictor.
			if c.lagScoreboard[i] > c.lagScoreboard[c.lagBestPredictor] {
				c.lagBestPredictor = int(i)
			}
		}
	}

	c.lagHistory[pos&lagMask] = delta

	c.lagObservations++

	if c.lagObservations >= lagWindowSize {
		c.lagReset()
	}
}

func (c *Collector) lagReset() {
	c.lagObservations = 0
	c.lagSuccessCount = 0
	c.lagSuccessRun = 0
	c.lagBestPredictor = 0

	clear(c.lagHistory[:])
	clear(c.lagScoreboard[:])
}
