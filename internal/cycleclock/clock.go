package cycleclock

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCalibration はサイクルクロックが利用できない、または校正が不安定な場合のエラー
var ErrCalibration = errors.New("cycle clock calibration failed")

// Source はタイムスタンプの取得元
type Source int

const (
	// SourceAuto は利用可能ならTSC、そうでなければ単調時計を選ぶ
	SourceAuto Source = iota
	// SourceTSC はRDTSCPによるタイムスタンプカウンタ
	SourceTSC
	// SourceMonotonic はナノ秒単位の単調時計
	SourceMonotonic
)

func (s Source) String() string {
	switch s {
	case SourceAuto:
		return "auto"
	case SourceTSC:
		return "tsc"
	case SourceMonotonic:
		return "monotonic"
	default:
		return "unknown"
	}
}

// ParseSource は文字列からSourceを取得する
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return SourceAuto, nil
	case "tsc", "rdtscp":
		return SourceTSC, nil
	case "monotonic", "mono", "wall":
		return SourceMonotonic, nil
	default:
		return SourceAuto, fmt.Errorf("unknown clock source: %s", s)
	}
}

// TSCSupported はこのホストでTSCが利用可能かを返す
func TSCSupported() bool {
	return tscSupported()
}

// Options は校正の設定
type Options struct {
	Source    Source
	Trials    int
	Interval  time.Duration
	MaxSpread float64 // 試行間のばらつきの許容比率
}

// DefaultOptions はデフォルトの校正設定を返す
func DefaultOptions() Options {
	return Options{
		Source:    SourceAuto,
		Trials:    10,
		Interval:  250 * time.Millisecond,
		MaxSpread: 0.05,
	}
}

// monotonicRate は単調時計の1秒あたりのティック数
const monotonicRate = 1e9

var epoch = time.Now()

func readMonotonic() uint64 {
	return uint64(time.Since(epoch))
}

// minRecalibrateWindow は再校正に必要な最小経過時間
const minRecalibrateWindow = 100 * time.Millisecond

// Clock は校正済みのサイクルクロック
type Clock struct {
	source Source
	read   func() uint64
	cps    atomic.Uint64 // float64のビット列

	mu           sync.Mutex
	anchorCycles uint64
	anchorWall   time.Time
}

// Calibrate は取得元を選択し、1秒あたりのサイクル数を測定する
func Calibrate(opts Options) (*Clock, error) {
	src := opts.Source
	switch src {
	case SourceAuto:
		if tscSupported() {
			src = SourceTSC
		} else {
			src = SourceMonotonic
		}
	case SourceTSC:
		if !tscSupported() {
			return nil, fmt.Errorf("%w: RDTSCP or invariant TSC not supported by this CPU", ErrCalibration)
		}
	case SourceMonotonic:
	default:
		return nil, fmt.Errorf("%w: unknown source %d", ErrCalibration, opts.Source)
	}

	if src == SourceMonotonic {
		return newClock(src, readMonotonic, monotonicRate), nil
	}

	cps, err := measure(readTSC, opts)
	if err != nil {
		return nil, err
	}
	return newClock(src, readTSC, cps), nil
}

func newClock(src Source, read func() uint64, cps float64) *Clock {
	c := &Clock{
		source:       src,
		read:         read,
		anchorCycles: read(),
		anchorWall:   time.Now(),
	}
	c.cps.Store(math.Float64bits(cps))
	return c
}

// measure は複数回の試行でサイクル数/秒を測定し平均を返す
func measure(read func() uint64, opts Options) (float64, error) {
	trials := opts.Trials
	if trials <= 0 {
		trials = 1
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	rates := make([]float64, 0, trials)
	for range trials {
		c0 := read()
		w0 := time.Now()
		time.Sleep(interval)
		c1 := read()
		elapsed := time.Since(w0)

		if c1 <= c0 || elapsed <= 0 {
			return 0, fmt.Errorf("%w: counter did not advance", ErrCalibration)
		}
		rates = append(rates, float64(c1-c0)/elapsed.Seconds())
	}

	lo, hi, sum := rates[0], rates[0], 0.0
	for _, r := range rates {
		lo = min(lo, r)
		hi = max(hi, r)
		sum += r
	}
	mean := sum / float64(len(rates))

	if opts.MaxSpread > 0 && (hi-lo)/mean > opts.MaxSpread {
		return 0, fmt.Errorf("%w: trials inconsistent (min %.0f, max %.0f cycles/s)", ErrCalibration, lo, hi)
	}
	return mean, nil
}

// Source は使用中の取得元を返す
func (c *Clock) Source() Source {
	return c.source
}

// CyclesPerSecond は現在の変換比率を返す
func (c *Clock) CyclesPerSecond() float64 {
	return math.Float64frombits(c.cps.Load())
}

// Now は現在のサイクル数を返す
func (c *Clock) Now() uint64 {
	return c.read()
}

// Duration はサイクル数を経過時間に変換する
func (c *Clock) Duration(cycles uint64) time.Duration {
	return time.Duration(ToDuration(cycles, c.CyclesPerSecond()) * float64(time.Second))
}

// Since はstartからの経過時間を返す
func (c *Clock) Since(start uint64) time.Duration {
	now := c.read()
	if now < start {
		return 0
	}
	return c.Duration(now - start)
}

// Recalibrate は前回のアンカーからの経過サイクルと経過時間で比率を補正する
// 経過時間が短すぎる場合は現在の比率を返す
func (c *Clock) Recalibrate() float64 {
	if c.source == SourceMonotonic {
		return c.CyclesPerSecond()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cycles := c.read()
	wall := time.Now()
	elapsed := wall.Sub(c.anchorWall)
	if elapsed < minRecalibrateWindow || cycles <= c.anchorCycles {
		return c.CyclesPerSecond()
	}

	cps := float64(cycles-c.anchorCycles) / elapsed.Seconds()
	c.cps.Store(math.Float64bits(cps))
	c.anchorCycles = cycles
	c.anchorWall = wall
	return cps
}

// ToDuration はサイクル数を秒に変換する
func ToDuration(cycles uint64, cyclesPerSecond float64) float64 {
	if cyclesPerSecond <= 0 {
		return 0
	}
	return float64(cycles) / cyclesPerSecond
}

// SelfTestResult はタイミング自己診断の結果
type SelfTestResult struct {
	Source     Source
	Resolution time.Duration // 連続する2回の読み取りで観測できる最小差
	ReadCost   time.Duration // Now 1回あたりのコスト
	LockCost   time.Duration // Mutexのロック/アンロック1組あたりのコスト
}

// SelfTest はタイムスタンプ分解能とロックのコストを測定する
func (c *Clock) SelfTest(iterations int) SelfTestResult {
	if iterations <= 0 {
		iterations = 100000
	}

	var minDelta uint64 = math.MaxUint64
	for range iterations {
		a := c.read()
		b := c.read()
		for b == a {
			b = c.read()
		}
		if d := b - a; d < minDelta {
			minDelta = d
		}
	}

	start := c.read()
	for range iterations {
		c.read()
	}
	readCost := c.Since(start) / time.Duration(iterations)

	var (
		mu    sync.Mutex
		count int
	)
	start = c.read()
	for range iterations {
		mu.Lock()
		count++
		mu.Unlock()
	}
	lockCost := c.Since(start) / time.Duration(iterations)

	return SelfTestResult{
		Source:     c.source,
		Resolution: c.Duration(minDelta),
		ReadCost:   readCost,
		LockCost:   lockCost,
	}
}
