package worker

import (
	"context"
	"math/rand"
	"runtime"
	"time"

	"cacheload/internal/dist"
)

// spinThreshold 未満の待ち時間はスリープせずスピンする
const spinThreshold = 50 * time.Microsecond

// Pacer は到着間隔分布に従って送信時刻を決める
// 次の送信時刻は前回の予定時刻に間隔を足したもので、実際の送信時刻には依存しない
type Pacer struct {
	interval *dist.Distribution // 秒
	rng      *rand.Rand
	next     time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration)
	spin  func()
}

// NewPacer は到着間隔（秒）の分布からPacerを作成する
func NewPacer(interval *dist.Distribution, rng *rand.Rand) *Pacer {
	return &Pacer{
		interval: interval,
		rng:      rng,
		now:      time.Now,
		sleep:    sleepContext,
		spin:     runtime.Gosched,
	}
}

// Start は予定時刻の起点を設定する
func (p *Pacer) Start(t time.Time) {
	p.next = t
}

// Next は次の予定時刻を進めて返す
func (p *Pacer) Next() time.Time {
	delta := p.interval.Sample(p.rng)
	p.next = p.next.Add(time.Duration(delta * float64(time.Second)))
	return p.next
}

// Wait は次の予定時刻まで待つ
// 予定時刻を過ぎていればすぐに戻る。ctxがキャンセルされるとfalseを返す
func (p *Pacer) Wait(ctx context.Context) bool {
	deadline := p.Next()
	for {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if remaining > spinThreshold {
			p.sleep(ctx, remaining-spinThreshold)
		} else {
			p.spin()
		}
	}
}

// Lag は現在時刻が予定時刻からどれだけ遅れているかを返す
func (p *Pacer) Lag() time.Duration {
	lag := p.now().Sub(p.next)
	if lag < 0 {
		return 0
	}
	return lag
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
