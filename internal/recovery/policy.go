package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cacheload/internal/events"
	"cacheload/internal/logger"
)

// ErrRetryBudgetExhausted は再接続のリトライ上限に達したことを示す
var ErrRetryBudgetExhausted = errors.New("reconnect retry budget exhausted")

// Policy はワーカーの再接続ポリシー
type Policy struct {
	MaxRetries      int           // 1回の接続で許す再試行回数（0以下で無制限）
	InitialInterval time.Duration // 最初の待機時間
	MaxInterval     time.Duration // 待機時間の上限
	Multiplier      float64

	bus   *events.Bus
	stats *policyStats
}

type policyStats struct {
	reconnects atomic.Uint64
	attempts   atomic.Uint64
	exhausted  atomic.Uint64
}

// PolicyStats は再接続統計
type PolicyStats struct {
	Reconnects uint64 `json:"reconnects"`
	Attempts   uint64 `json:"attempts"`
	Exhausted  uint64 `json:"exhausted"`
}

// DefaultPolicy はデフォルトの再接続ポリシーを返す
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2,
		stats:           &policyStats{},
	}
}

// WithEventBus は再接続イベントを発行するバスを設定したコピーを返す
func (p Policy) WithEventBus(bus *events.Bus) Policy {
	p.bus = bus
	return p
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	if p.MaxRetries <= 0 {
		return backoff.WithContext(b, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Connect は初回の接続をReconnectと同じ予算で確立する
// 成功しても再接続としては数えない
func (p Policy) Connect(ctx context.Context, id string, dial func(context.Context) error) error {
	return p.retry(ctx, id, dial, false)
}

// Reconnect はdialが成功するまでバックオフ付きで再試行する
// 最初の試行は待機なしで行い、MaxRetries回の再試行でも失敗した場合は
// ErrRetryBudgetExhaustedを返す
func (p Policy) Reconnect(ctx context.Context, id string, dial func(context.Context) error) error {
	return p.retry(ctx, id, dial, true)
}

func (p Policy) retry(ctx context.Context, id string, dial func(context.Context) error, redial bool) error {
	attempt := 0
	op := func() error {
		attempt++
		if p.stats != nil {
			p.stats.attempts.Add(1)
		}
		if redial || attempt > 1 {
			p.bus.Publish(events.NewWorkerReconnectEvent(id, attempt))
		}
		return dial(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug(id, "reconnect attempt %d failed: %v (retry in %v)", attempt, err, wait)
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	if err == nil {
		if p.stats != nil && redial {
			p.stats.reconnects.Add(1)
		}
		if attempt > 1 {
			logger.Info(id, "reconnected after %d attempts", attempt)
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if p.stats != nil {
		p.stats.exhausted.Add(1)
	}
	logger.Error(id, "giving up after %d attempts: %v", attempt, err)
	return fmt.Errorf("%w: %d attempts: %w", ErrRetryBudgetExhausted, attempt, err)
}

// Stats は再接続統計を返す
func (p Policy) Stats() PolicyStats {
	if p.stats == nil {
		return PolicyStats{}
	}
	return PolicyStats{
		Reconnects: p.stats.reconnects.Load(),
		Attempts:   p.stats.attempts.Load(),
		Exhausted:  p.stats.exhausted.Load(),
	}
}
