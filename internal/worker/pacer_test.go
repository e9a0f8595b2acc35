package worker

import (
	"context"
	"math"
	"testing"
	"time"

	"cacheload/internal/dist"
)

// fakeTime はスリープやスピンで進む時計
type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) attach(p *Pacer) {
	p.now = f.Now
	p.sleep = func(_ context.Context, d time.Duration) { f.now = f.now.Add(d) }
	p.spin = func() { f.now = f.now.Add(time.Microsecond) }
}

func TestPacerDriftCorrected(t *testing.T) {
	const (
		sends = 10000
		mean  = 100 * time.Microsecond
	)
	interval, err := dist.NewExponential(mean.Seconds())
	if err != nil {
		t.Fatal(err)
	}
	clk := &fakeTime{now: time.Unix(0, 0)}
	p := NewPacer(interval, dist.NewRand(7, 0))
	clk.attach(p)
	p.Start(clk.now)

	// 送信ごとに0〜80µsの処理遅延を注入する
	jitter := dist.NewRand(7, 1)
	first := time.Time{}
	var last time.Time
	for i := 0; i < sends; i++ {
		if !p.Wait(context.Background()) {
			t.Fatal("unexpected cancellation")
		}
		if i == 0 {
			first = clk.now
		}
		last = clk.now
		clk.now = clk.now.Add(time.Duration(jitter.Int63n(int64(80 * time.Microsecond))))
	}

	observed := last.Sub(first) / (sends - 1)
	diff := math.Abs(float64(observed-mean)) / float64(mean)
	if diff > 0.05 {
		t.Errorf("mean inter-send %v deviates %.1f%% from %v", observed, diff*100, mean)
	}
}

func TestPacerDoesNotAccumulateLag(t *testing.T) {
	interval, _ := dist.NewConstant((100 * time.Microsecond).Seconds())
	clk := &fakeTime{now: time.Unix(0, 0)}
	p := NewPacer(interval, dist.NewRand(1, 0))
	clk.attach(p)
	p.Start(clk.now)

	// 毎回30µs遅れても予定時刻は前回の予定から進むため累積しない
	for i := 0; i < 100; i++ {
		p.Wait(context.Background())
		clk.now = clk.now.Add(30 * time.Microsecond)
	}
	want := time.Unix(0, 0).Add(100 * 100 * time.Microsecond)
	if got := p.next; !got.Equal(want) {
		t.Errorf("expected schedule at %v, got %v", want, got)
	}
	if lag := p.Lag(); lag != 30*time.Microsecond {
		t.Errorf("expected lag 30us, got %v", lag)
	}
}

func TestPacerLateSendIsImmediate(t *testing.T) {
	interval, _ := dist.NewConstant(0.001)
	clk := &fakeTime{now: time.Unix(0, 0)}
	p := NewPacer(interval, dist.NewRand(1, 0))
	clk.attach(p)
	slept := false
	p.sleep = func(context.Context, time.Duration) { slept = true }
	p.Start(clk.now)

	clk.now = clk.now.Add(5 * time.Millisecond)
	p.Wait(context.Background())
	if slept {
		t.Error("expected no sleep when behind schedule")
	}
}

func TestPacerCancelled(t *testing.T) {
	interval, _ := dist.NewConstant(10)
	p := NewPacer(interval, dist.NewRand(1, 0))
	p.Start(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if p.Wait(ctx) {
		t.Error("expected Wait to report cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait took %v after cancel", elapsed)
	}
}
