package cycleclock

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		input    string
		expected Source
	}{
		{"", SourceAuto},
		{"auto", SourceAuto},
		{"TSC", SourceTSC},
		{"monotonic", SourceMonotonic},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got)
		assert.NotEqual(t, "unknown", got.String())
	}

	_, err := ParseSource("hpet")
	assert.Error(t, err)
}

func TestCalibrateMonotonic(t *testing.T) {
	clk, err := Calibrate(Options{Source: SourceMonotonic})
	require.NoError(t, err)

	assert.Equal(t, SourceMonotonic, clk.Source())
	assert.Equal(t, 1e9, clk.CyclesPerSecond())

	start := clk.Now()
	time.Sleep(20 * time.Millisecond)
	elapsed := clk.Since(start)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCalibrateAutoSelectsAvailableSource(t *testing.T) {
	clk, err := Calibrate(Options{Source: SourceAuto, Trials: 3, Interval: 20 * time.Millisecond, MaxSpread: 0.5})
	require.NoError(t, err)

	if TSCSupported() {
		assert.Equal(t, SourceTSC, clk.Source())
		assert.Greater(t, clk.CyclesPerSecond(), 1e8)
	} else {
		assert.Equal(t, SourceMonotonic, clk.Source())
	}
}

func TestTSCReadsAreOrdered(t *testing.T) {
	if !TSCSupported() {
		t.Skip("TSC not available on this host")
	}
	prev := readTSC()
	for i := 0; i < 100000; i++ {
		now := readTSC()
		require.GreaterOrEqual(t, now, prev, "read %d went backwards", i)
		prev = now
	}
}

func TestCalibrateTSCUnsupportedIsExplicit(t *testing.T) {
	if TSCSupported() {
		t.Skip("TSC available on this host")
	}
	_, err := Calibrate(Options{Source: SourceTSC})
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestMeasureWithFakeCounter(t *testing.T) {
	// 実時間に比例して3GHzで進むカウンタ
	base := time.Now()
	read := func() uint64 {
		return uint64(time.Since(base).Seconds() * 3e9)
	}

	cps, err := measure(read, Options{Trials: 3, Interval: 10 * time.Millisecond, MaxSpread: 0.05})
	require.NoError(t, err)
	assert.InEpsilon(t, 3e9, cps, 0.02)
}

func TestMeasureRejectsStalledCounter(t *testing.T) {
	_, err := measure(func() uint64 { return 42 }, Options{Trials: 2, Interval: time.Millisecond})
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestMeasureRejectsInconsistentTrials(t *testing.T) {
	// 呼び出しごとに速度が変わるカウンタ
	var calls atomic.Uint64
	var value atomic.Uint64
	read := func() uint64 {
		n := calls.Add(1)
		return value.Add(n * n * 1000000)
	}

	_, err := measure(read, Options{Trials: 4, Interval: time.Millisecond, MaxSpread: 0.05})
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestRecalibrateCorrectsDrift(t *testing.T) {
	var counter atomic.Uint64
	counter.Store(10_000_000_000)
	clk := newClock(SourceTSC, counter.Load, 1e9)

	// 1秒前のアンカーから2e9サイクル進んだことにする
	clk.anchorWall = time.Now().Add(-time.Second)
	clk.anchorCycles = counter.Load() - 2_000_000_000

	cps := clk.Recalibrate()
	assert.InEpsilon(t, 2e9, cps, 0.05)
	assert.InEpsilon(t, 2e9, clk.CyclesPerSecond(), 0.05)
}

func TestRecalibrateSkipsShortWindow(t *testing.T) {
	var counter atomic.Uint64
	counter.Store(1000)
	clk := newClock(SourceTSC, counter.Load, 3e9)

	counter.Add(10)
	assert.Equal(t, 3e9, clk.Recalibrate())
}

func TestToDuration(t *testing.T) {
	assert.Equal(t, 1.5, ToDuration(3_000_000_000, 2e9))
	assert.Equal(t, 0.0, ToDuration(100, 0))

	clk := newClock(SourceTSC, func() uint64 { return 0 }, 2e9)
	assert.Equal(t, 500*time.Millisecond, clk.Duration(1_000_000_000))
}

func TestSelfTest(t *testing.T) {
	clk, err := Calibrate(Options{Source: SourceMonotonic})
	require.NoError(t, err)

	res := clk.SelfTest(1000)
	assert.Equal(t, SourceMonotonic, res.Source)
	assert.Greater(t, res.Resolution, time.Duration(0))
	assert.Less(t, res.Resolution, time.Duration(math.MaxInt64))
}
