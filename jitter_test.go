package jitter

import (
	"bytes"
	"errors"
	"math/bits"
	"testing"
)

// lcgTimer returns a deterministic replay source whose deltas are
// roughly uniform over [1, 1024].
func lcgTimer(seed uint64) func() uint64 {
	var (
		t uint64
		s = seed
	)

	return func() uint64 {
		s = s*6364136223846793005 + 1442695040888963407
		t += (s>>33)%1024 + 1

		return t
	}
}

func TestReadReplayedTimer(t *testing.T) {
	c := newTestCollector(t, 3, DisableMemoryAccess, WithTimeSource(lcgTimer(1)))

	buf := make([]byte, 32)

	n, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 32 {
		t.Fatalf("read %d bytes, want 32", n)
	}

	if c.healthFailure != 0 {
		t.Fatalf("health failure %v on a healthy replay", c.healthFailure)
	}

	if bytes.Equal(buf, make([]byte, 32)) {
		t.Fatal("output block is all zero")
	}
}

func TestReadDeterministicReplay(t *testing.T) {
	c1 := newTestCollector(t, 3, 0, WithTimeSource(lcgTimer(99)))
	c2 := newTestCollector(t, 3, 0, WithTimeSource(lcgTimer(99)))

	buf1 := make([]byte, 64)
	buf2 := make([]byte, 64)

	if _, err := c1.Read(buf1); err != nil {
		t.Fatal(err)
	}

	if _, err := c2.Read(buf2); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf1, buf2) {
		t.Fatal("identical replays produced different output")
	}

	// A different seed must diverge.
	c3 := newTestCollector(t, 3, 0, WithTimeSource(lcgTimer(100)))

	buf3 := make([]byte, 64)

	if _, err := c3.Read(buf3); err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(buf1, buf3) {
		t.Fatal("different replays produced identical output")
	}
}

type countingConditioner struct {
	Conditioner

	absorbs int
}

func (cc *countingConditioner) Absorb(p []byte) {
	cc.absorbs++

	cc.Conditioner.Absorb(p)
}

func TestSafetyFactorPerBlock(t *testing.T) {
	c := newTestCollector(t, 3, DisableMemoryAccess, WithTimeSource(lcgTimer(7)))

	cc := &countingConditioner{Conditioner: c.cond}
	c.cond = cc

	buf := make([]byte, 32)

	if _, err := c.Read(buf); err != nil {
		t.Fatal(err)
	}

	want := (DataSizeBits + entropySafetyFactor) * int(c.osr)

	if cc.absorbs < want {
		t.Fatalf("absorbed %d samples for one block, want at least %d", cc.absorbs, want)
	}
}

func TestReadFailsOnStuckTimer(t *testing.T) {
	resetGlobals(t)

	var cbMask HealthError

	if err := SetFIPSFailureCallback(func(_ *Collector, failure HealthError) {
		cbMask = failure
	}); err != nil {
		t.Fatal(err)
	}

	// Constant increments have a zero first derivative: every sample is
	// stuck and the repetition count test must end the read.
	c := newTestCollector(t, 3, DisableMemoryAccess, WithTimeSource(steppedTimer(100)))

	buf := make([]byte, 32)

	_, err := c.Read(buf)

	var herr HealthError

	if !errors.As(err, &herr) {
		t.Fatalf("err = %v, want a HealthError", err)
	}

	if herr&RCTFailure == 0 {
		t.Fatalf("failure mask %v missing rct bit", herr)
	}

	if cbMask&RCTFailure == 0 {
		t.Fatalf("fips callback saw mask %v, want rct bit", cbMask)
	}

	// The failure is permanent: further reads refuse immediately.
	_, err = c.Read(buf)

	if !errors.As(err, &herr) {
		t.Fatalf("second read err = %v, want a HealthError", err)
	}
}

func TestReadSafeRecoversOnce(t *testing.T) {
	c := newTestCollector(t, 3, DisableMemoryAccess, WithTimeSource(lcgTimer(11)))

	c.healthFailure = RCTFailure

	buf := make([]byte, 32)

	n, err := c.ReadSafe(buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 32 {
		t.Fatalf("read %d bytes, want 32", n)
	}

	if c.healthFailure != 0 {
		t.Fatalf("health failure %v after reinit", c.healthFailure)
	}
}

func TestReadProgrammingErrors(t *testing.T) {
	c := newTestCollector(t, 3, DisableMemoryAccess, WithTimeSource(lcgTimer(5)))

	if _, err := c.Read(nil); !errors.Is(err, EPROGERR) {
		t.Fatalf("zero-length read err = %v, want EPROGERR", err)
	}

	var nilc *Collector

	if _, err := nilc.Read(make([]byte, 8)); !errors.Is(err, EPROGERR) {
		t.Fatalf("nil collector read err = %v, want EPROGERR", err)
	}
}

func TestReadAfterClose(t *testing.T) {
	c, err := New(3, DisableMemoryAccess, WithTimeSource(lcgTimer(5)))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, EPROGERR) {
		t.Fatalf("read after close err = %v, want EPROGERR", err)
	}

	if err := c.Close(); !errors.Is(err, EPROGERR) {
		t.Fatalf("double close err = %v, want EPROGERR", err)
	}
}

func TestCloseWipesState(t *testing.T) {
	c, err := New(3, 0, WithTimeSource(lcgTimer(17)))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Read(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	mem := c.mem

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	for _, b := range mem {
		if b != 0 {
			t.Fatal("workload buffer not zeroized on close")
		}
	}

	if c.prevTime != 0 || c.lastDelta != 0 || c.lastDelta2 != 0 {
		t.Fatal("timing state not zeroized on close")
	}
}

func TestOSRClamping(t *testing.T) {
	c := newTestCollector(t, 0, DisableMemoryAccess)

	if c.osr != minOSR {
		t.Fatalf("osr = %d for default request, want %d", c.osr, minOSR)
	}

	c = newTestCollector(t, 7, DisableMemoryAccess)

	if c.osr != 7 {
		t.Fatalf("osr = %d, want 7", c.osr)
	}
}

func TestFlagConflict(t *testing.T) {
	_, err := New(3, ForceInternalTimer|DisableInternalTimer)
	if err == nil {
		t.Fatal("conflicting timer flags accepted")
	}
}

func TestMemorySizeFlags(t *testing.T) {
	cases := []struct {
		flags Flag
		size  int
	}{
		{0, defaultMemorySize},
		{MaxMemsize32kB, 32 << 10},
		{MaxMemsize1MB, 1 << 20},
		{MaxMemsize512MB, 512 << 20},
	}

	for _, tc := range cases {
		size, _ := memorySize(tc.flags)

		if size != tc.size {
			t.Fatalf("flags %#x: size %d, want %d", uint32(tc.flags), size, tc.size)
		}
	}

	c := newTestCollector(t, 3, MaxMemsize32kB, WithTimeSource(lcgTimer(3)))

	if len(c.mem) != 32<<10 {
		t.Fatalf("workload buffer %d bytes, want %d", len(c.mem), 32<<10)
	}

	if !c.maxMemSet {
		t.Fatal("max memory flag not recorded")
	}

	if c.memmask != uint32(len(c.mem)-1) {
		t.Fatalf("memmask %#x for %d byte buffer", c.memmask, len(c.mem))
	}
}

func TestBlockMemoryWalk(t *testing.T) {
	c := newTestCollector(t, 3, 0, WithTimeSource(lcgTimer(23)), WithBlockMemory(64, 32))

	if len(c.mem) != 64*32 {
		t.Fatalf("block buffer %d bytes, want %d", len(c.mem), 64*32)
	}

	if _, err := c.Read(make([]byte, 32)); err != nil {
		t.Fatal(err)
	}

	var touched int

	for _, b := range c.mem {
		if b != 0 {
			touched++
		}
	}

	if touched == 0 {
		t.Fatal("block walk never touched the buffer")
	}
}

func TestVersion(t *testing.T) {
	if Version() == 0 {
		t.Fatal("version is zero")
	}
}

func TestReadLiveTimer(t *testing.T) {
	resetGlobals(t)

	globalMu.Lock()
	globalInitialized = false
	globalGCD = 0
	globalMu.Unlock()

	if err := Init(0, 0); err != nil {
		t.Skipf("platform timer failed the startup self-test: %v", err)
	}

	if notimeSelected() {
		t.Skip("platform timer unusable; software timer selected")
	}

	c := newTestCollector(t, 0, 0)

	buf1 := make([]byte, 4096)
	buf2 := make([]byte, 4096)

	if _, err := c.Read(buf1); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Read(buf2); err != nil {
		t.Fatal(err)
	}

	var (
		sameAsFirst int
		ones        int
	)

	unique := make(map[byte]struct{}, 256)

	for i := range buf1 {
		if buf2[i] == buf1[i] {
			sameAsFirst++
		}

		unique[buf1[i]] = struct{}{}

		ones += bits.OnesCount8(buf1[i])
	}

	if len(unique) < 200 {
		t.Fatalf("too few unique byte values (%d); conditioning failed", len(unique))
	}

	eqFrac := float64(sameAsFirst) / float64(len(buf1))
	if eqFrac > 0.05 {
		t.Fatalf("consecutive blocks too similar: %.2f%% (want < 5%%)", 100*eqFrac)
	}

	oneFrac := float64(ones) / float64(len(buf1)*8)
	if oneFrac < 0.48 || oneFrac > 0.52 {
		t.Fatalf("bit bias suspicious: ones fraction %.4f (want [0.48, 0.52])", oneFrac)
	}

	t.Logf("live stats: uniqueBytes=%d ones=%.2f%% eqPos=%.2f%%", len(unique), 100*oneFrac, 100*eqFrac)
}

func BenchmarkReadThroughput(b *testing.B) {
	c, err := New(3, DisableMemoryAccess, WithTimeSource(lcgTimer(1)))
	if err != nil {
		b.Fatal(err)
	}

	defer c.Close()

	buf := make([]byte, 4096)

	b.ReportAllocs()
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		n, err := c.Read(buf)
		if err != nil {
			b.Fatal(err)
		}

		if n != len(buf) {
			b.Fatalf("short read: %d < %d", n, len(buf))
		}
	}
}
