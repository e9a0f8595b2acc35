package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cacheload/internal/protocol"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMetrics() (*Metrics, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m := New()
	m.now = clk.now
	m.Restart()
	return m, clk
}

func TestSnapshotStatistics(t *testing.T) {
	m, clk := newTestMetrics()

	for i := 1; i <= 100; i++ {
		m.Record(Sample{Op: protocol.KindGet, Latency: time.Duration(i) * time.Microsecond})
	}
	m.Record(Sample{Op: protocol.KindSet, Latency: time.Millisecond, Failed: true})
	clk.advance(2 * time.Second)

	s := m.Snapshot()
	assert.Equal(t, uint64(100), s.Completed)
	assert.Equal(t, uint64(1), s.Failed)
	assert.InDelta(t, 50.0, s.Throughput, 0.001)
	assert.Equal(t, 2*time.Second, s.Window)
	assert.Equal(t, time.Microsecond, s.Min)
	assert.Equal(t, 100*time.Microsecond, s.Max)
	assert.InDelta(t, float64(50500*time.Nanosecond), float64(s.Mean), 1)
	// population stddev of 1..100us
	assert.InDelta(t, 28866, float64(s.StdDev), 5)
	assert.InDelta(t, float64(50*time.Microsecond), float64(s.P50), float64(100*time.Nanosecond))
	assert.InDelta(t, float64(99*time.Microsecond), float64(s.P99), float64(200*time.Nanosecond))
	assert.Equal(t, uint64(100), s.Ops["get"])
	assert.Equal(t, uint64(1), s.Ops["set"])
}

func TestSnapshotResetsInterval(t *testing.T) {
	m, clk := newTestMetrics()

	m.Record(Sample{Op: protocol.KindGet, Latency: time.Millisecond})
	clk.advance(time.Second)
	first := m.Snapshot()
	assert.Equal(t, uint64(1), first.Completed)

	clk.advance(time.Second)
	second := m.Snapshot()
	assert.Zero(t, second.Completed)
	assert.Zero(t, second.Mean)
	assert.Zero(t, second.Throughput)
	assert.Equal(t, 2*time.Second, second.Elapsed)

	total := m.Finalize()
	assert.Equal(t, uint64(1), total.Completed)
	assert.InDelta(t, 0.5, total.Throughput, 0.001)
}

func TestHitsAndMisses(t *testing.T) {
	m, clk := newTestMetrics()

	m.Record(Sample{Op: protocol.KindMultiGet, Latency: time.Millisecond, Hits: 3, Misses: 1})
	m.Record(Sample{Op: protocol.KindGet, Latency: time.Millisecond, Misses: 1})
	clk.advance(time.Second)

	s := m.Finalize()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.InDelta(t, 0.6, s.HitRate(), 1e-9)
	assert.Zero(t, s.Failed)
}

func TestLatencyClamped(t *testing.T) {
	m, clk := newTestMetrics()

	m.Record(Sample{Op: protocol.KindGet, Latency: 0})
	m.Record(Sample{Op: protocol.KindGet, Latency: 2 * time.Minute})
	clk.advance(time.Second)

	s := m.Finalize()
	assert.Equal(t, uint64(2), s.Completed)
	assert.Equal(t, time.Duration(0), s.Min)
	assert.Equal(t, 2*time.Minute, s.Max)
	assert.LessOrEqual(t, s.P999, 61*time.Second)
}

func TestEmptySnapshot(t *testing.T) {
	m, _ := newTestMetrics()

	s := m.Snapshot()
	assert.Zero(t, s.Completed)
	assert.Zero(t, s.Throughput)
	assert.Zero(t, s.ErrorRate())
	assert.Zero(t, s.HitRate())
	assert.Contains(t, s.String(), "completed=0")
}

func TestConcurrentRecord(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m.Record(Sample{Op: protocol.KindSet, Latency: time.Microsecond})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(4000), m.TotalRequests())
	assert.Zero(t, m.FailedRequests())
}

func TestRunDeliversSnapshots(t *testing.T) {
	m := New()
	m.Record(Sample{Op: protocol.KindGet, Latency: time.Microsecond})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Snapshot, 1)
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond, func(s Snapshot) {
			select {
			case got <- s:
			default:
			}
		})
		close(done)
	}()

	select {
	case s := <-got:
		assert.Equal(t, uint64(1), s.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	cancel()
	<-done
}

func TestReport(t *testing.T) {
	m, clk := newTestMetrics()
	m.Record(Sample{Op: protocol.KindGet, Latency: 10 * time.Microsecond, Hits: 1})
	m.Record(Sample{Op: protocol.KindDelete, Latency: time.Microsecond, Failed: true})
	clk.advance(time.Second)

	report := m.Finalize().Report()
	assert.Contains(t, report, "Completed:   1")
	assert.Contains(t, report, "Failed:      1 (50.00%)")
	assert.Contains(t, report, "hit rate 100.0%")
	assert.Contains(t, report, "get=1")
	assert.Contains(t, report, "delete=1")
}

func TestExporter(t *testing.T) {
	m, clk := newTestMetrics()
	e := NewExporter("run-1")
	m.SetExporter(e)

	m.Record(Sample{Op: protocol.KindGet, Latency: time.Millisecond, Hits: 1})
	m.Record(Sample{Op: protocol.KindSet, Latency: time.Millisecond, Failed: true})
	clk.advance(time.Second)
	m.Snapshot()

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `cacheload_requests_total{result="completed",run_id="run-1"} 1`)
	assert.Contains(t, text, `cacheload_requests_total{result="failed",run_id="run-1"} 1`)
	assert.Contains(t, text, `cacheload_operations_total{op="get",run_id="run-1"} 1`)
	assert.Contains(t, text, `cacheload_get_results_total{result="hit",run_id="run-1"} 1`)
	assert.True(t, strings.Contains(text, "cacheload_throughput_rps"))
}
