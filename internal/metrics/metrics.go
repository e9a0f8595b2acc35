package metrics

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"

	"cacheload/internal/protocol"
)

const (
	// minLatency と maxLatency はヒストグラムの記録範囲（ナノ秒）
	minLatency = int64(time.Nanosecond)
	maxLatency = int64(60 * time.Second)
	sigFigs    = 3
)

// Sample は1リクエストの測定結果
type Sample struct {
	Op      protocol.Kind
	Latency time.Duration
	Failed  bool
	Hits    int
	Misses  int
}

// bucket は集計の単位
type bucket struct {
	started   time.Time
	completed uint64
	failed    uint64
	sum       float64 // ナノ秒
	sumSq     float64
	min       time.Duration
	max       time.Duration
	hist      *hdrhistogram.Histogram
	ops       [protocol.NumKinds]uint64
	hits      uint64
	misses    uint64
}

func newBucket(now time.Time) *bucket {
	return &bucket{
		started: now,
		hist:    hdrhistogram.New(minLatency, maxLatency, sigFigs),
	}
}

func (b *bucket) add(s Sample) {
	if s.Op >= 0 && s.Op < protocol.NumKinds {
		b.ops[s.Op]++
	}
	if s.Failed {
		b.failed++
		return
	}

	b.completed++
	b.hits += uint64(s.Hits)
	b.misses += uint64(s.Misses)

	ns := float64(s.Latency)
	b.sum += ns
	b.sumSq += ns * ns
	if b.completed == 1 || s.Latency < b.min {
		b.min = s.Latency
	}
	if s.Latency > b.max {
		b.max = s.Latency
	}

	v := int64(s.Latency)
	if v < minLatency {
		v = minLatency
	} else if v > maxLatency {
		v = maxLatency
	}
	_ = b.hist.RecordValue(v)
}

func (b *bucket) reset(now time.Time) {
	hist := b.hist
	hist.Reset()
	*b = bucket{started: now, hist: hist}
}

func (b *bucket) snapshot(now, runStart time.Time) Snapshot {
	window := now.Sub(b.started)
	s := Snapshot{
		Elapsed:   now.Sub(runStart),
		Window:    window,
		Completed: b.completed,
		Failed:    b.failed,
		Hits:      b.hits,
		Misses:    b.misses,
		Ops:       make(map[string]uint64, protocol.NumKinds),
	}
	for k, n := range b.ops {
		if n > 0 {
			s.Ops[protocol.Kind(k).String()] = n
		}
	}
	if window > 0 {
		s.Throughput = float64(b.completed) / window.Seconds()
	}
	if b.completed == 0 {
		return s
	}

	n := float64(b.completed)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	s.Mean = time.Duration(mean)
	s.StdDev = time.Duration(math.Sqrt(variance))
	s.Min = b.min
	s.Max = b.max
	s.P50 = time.Duration(b.hist.ValueAtQuantile(50))
	s.P95 = time.Duration(b.hist.ValueAtQuantile(95))
	s.P99 = time.Duration(b.hist.ValueAtQuantile(99))
	s.P999 = time.Duration(b.hist.ValueAtQuantile(99.9))
	return s
}

// Snapshot は集計結果
type Snapshot struct {
	Elapsed    time.Duration     `json:"elapsed"`
	Window     time.Duration     `json:"window"`
	Completed  uint64            `json:"completed"`
	Failed     uint64            `json:"failed"`
	Throughput float64           `json:"throughput"`
	Mean       time.Duration     `json:"mean"`
	StdDev     time.Duration     `json:"stddev"`
	Min        time.Duration     `json:"min"`
	Max        time.Duration     `json:"max"`
	P50        time.Duration     `json:"p50"`
	P95        time.Duration     `json:"p95"`
	P99        time.Duration     `json:"p99"`
	P999       time.Duration     `json:"p999"`
	Ops        map[string]uint64 `json:"ops"`
	Hits       uint64            `json:"hits"`
	Misses     uint64            `json:"misses"`
}

// HitRate はgetのヒット率を返す（0.0〜1.0）
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ErrorRate はエラー率を返す（0.0〜1.0）
func (s Snapshot) ErrorRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// String は1行のレポート形式で返す
func (s Snapshot) String() string {
	return fmt.Sprintf("elapsed=%.1fs completed=%d failed=%d rps=%.0f mean=%s p50=%s p99=%s",
		s.Elapsed.Seconds(), s.Completed, s.Failed, s.Throughput,
		fmtLatency(s.Mean), fmtLatency(s.P50), fmtLatency(s.P99))
}

// Report は最終サマリーの複数行形式で返す
func (s Snapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Elapsed:     %.2fs\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "Completed:   %d\n", s.Completed)
	fmt.Fprintf(&b, "Failed:      %d (%.2f%%)\n", s.Failed, s.ErrorRate()*100)
	fmt.Fprintf(&b, "Throughput:  %.0f req/s\n", s.Throughput)
	fmt.Fprintf(&b, "Latency:     mean=%s stddev=%s min=%s max=%s\n",
		fmtLatency(s.Mean), fmtLatency(s.StdDev), fmtLatency(s.Min), fmtLatency(s.Max))
	fmt.Fprintf(&b, "Percentiles: p50=%s p95=%s p99=%s p99.9=%s (approximate)\n",
		fmtLatency(s.P50), fmtLatency(s.P95), fmtLatency(s.P99), fmtLatency(s.P999))
	if s.Hits+s.Misses > 0 {
		fmt.Fprintf(&b, "Gets:        hits=%d misses=%d (hit rate %.1f%%)\n", s.Hits, s.Misses, s.HitRate()*100)
	}
	if len(s.Ops) > 0 {
		b.WriteString("Operations: ")
		for _, k := range protocol.Kinds() {
			if n, ok := s.Ops[k.String()]; ok {
				fmt.Fprintf(&b, " %s=%d", k, n)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fmtLatency(d time.Duration) string {
	return fmt.Sprintf("%.1fus", float64(d)/float64(time.Microsecond))
}

// Metrics はワーカーから共有される集計器
type Metrics struct {
	mu       sync.Mutex
	start    time.Time
	interval *bucket
	total    *bucket
	exporter *Exporter
	now      func() time.Time
}

// New は新しい集計器を作成する
func New() *Metrics {
	now := time.Now()
	return &Metrics{
		start:    now,
		interval: newBucket(now),
		total:    newBucket(now),
		now:      time.Now,
	}
}

// SetExporter はスナップショットごとに更新するPrometheusエクスポータを設定する
func (m *Metrics) SetExporter(e *Exporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporter = e
}

// Restart は計測開始時刻を現在に設定し、全てのバケットを空にする
func (m *Metrics) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.start = now
	m.interval.reset(now)
	m.total.reset(now)
}

// Record はサンプルを記録する
func (m *Metrics) Record(s Sample) {
	m.mu.Lock()
	m.interval.add(s)
	m.total.add(s)
	m.mu.Unlock()
}

// Snapshot は区間の集計を返し、区間バケットをリセットする
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	now := m.now()
	s := m.interval.snapshot(now, m.start)
	m.interval.reset(now)
	exporter := m.exporter
	m.mu.Unlock()

	if exporter != nil {
		exporter.observe(s)
	}
	return s
}

// Cumulative は開始からの累積集計を返す（リセットしない）
func (m *Metrics) Cumulative() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total.snapshot(m.now(), m.start)
}

// Finalize は全ワーカー停止後の最終サマリーを返す
func (m *Metrics) Finalize() Snapshot {
	return m.Cumulative()
}

// TotalRequests は累積の完了数と失敗数の合計を返す
func (m *Metrics) TotalRequests() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total.completed + m.total.failed
}

// FailedRequests は累積の失敗数を返す
func (m *Metrics) FailedRequests() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total.failed
}

// Run はintervalごとにSnapshotを取得しfnに渡す
// ctxがキャンセルされると戻る
func (m *Metrics) Run(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			if fn != nil {
				fn(s)
			}
		}
	}
}
