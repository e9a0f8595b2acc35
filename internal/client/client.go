package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cacheload/internal/cycleclock"
	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/metrics"
	"cacheload/internal/worker"
)

// ErrResourceExhausted は接続やスレッドを確保できないことを示す
var ErrResourceExhausted = errors.New("resource exhausted")

// Config はClientの設定
type Config struct {
	RunID          string
	Workers        []worker.Config
	Duration       time.Duration // 0でキャンセルされるまで実行
	ReportInterval time.Duration
	Preload        *Preload // nilならプリロードしない
	Clock          *cycleclock.Clock
	Bus            *events.Bus
	OnReport       func(metrics.Snapshot) // nilならログに出力する
}

// Client はワーカー群を起動し、実行時間の経過または停止まで待つ
type Client struct {
	config  Config
	metrics *metrics.Metrics
	workers []*worker.Worker

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// New は新しいClientを作成する
// ワーカーの設定はここで検証され、不正な場合はエラーを返す
func New(config Config, m *metrics.Metrics) (*Client, error) {
	if len(config.Workers) == 0 {
		return nil, fmt.Errorf("client: no workers configured")
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = time.Second
	}

	c := &Client{
		config:  config,
		metrics: m,
		done:    make(chan struct{}),
	}
	for _, wc := range config.Workers {
		if wc.Recorder == nil {
			wc.Recorder = m
		}
		w, err := worker.New(wc)
		if err != nil {
			return nil, err
		}
		c.workers = append(c.workers, w)
	}
	return c, nil
}

// connections は全ワーカーの接続数の合計を返す
func (c *Client) connections() int {
	n := 0
	for _, wc := range c.config.Workers {
		n += len(wc.Servers)
	}
	return n
}

// Start はプリロードを行い、ワーカーとレポートを開始する
func (c *Client) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return nil
	}

	if err := checkDescriptors(c.connections()); err != nil {
		c.finish(err)
		return err
	}

	if c.config.Preload != nil {
		if err := c.config.Preload.Run(ctx); err != nil {
			err = classify(err)
			c.finish(err)
			return err
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.config.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.config.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel

	c.metrics.Restart()
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range c.workers {
		g.Go(func() error {
			err := w.Run(gctx)
			if err != nil {
				c.config.Bus.Publish(events.NewWorkerFailedEvent(w.Name(), err))
				return classify(err)
			}
			return nil
		})
	}

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		c.metrics.Run(gctx, c.config.ReportInterval, c.report)
	}()

	logger.Info("", "Client started (workers: %d, connections: %d)", len(c.workers), c.connections())

	go func() {
		err := g.Wait()
		cancel()
		<-reportDone
		c.finish(err)
	}()
	return nil
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.running.Store(false)
	close(c.done)
}

// report はレポート間隔ごとに呼ばれる
func (c *Client) report(s metrics.Snapshot) {
	if c.config.Clock != nil {
		c.config.Clock.Recalibrate()
	}
	c.config.Bus.Publish(events.NewSnapshotEvent(c.config.RunID, s))
	if c.config.OnReport != nil {
		c.config.OnReport(s)
		return
	}
	logger.Info("", "%s", s)
}

// Wait は実行が終わるまでブロックする
// 実行時間の経過または外部からのキャンセルで正常終了し、致命的エラーがあればそれを返す
func (c *Client) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop はワーカーを停止し、終了を待つ
func (c *Client) Stop() error {
	if c.cancel == nil {
		select {
		case <-c.done:
		default:
			return nil
		}
	} else {
		c.cancel()
	}
	err := c.Wait()
	logger.Info("", "Client stopped")
	return err
}

// RunFor は指定時間だけ負荷を生成し、最終サマリーを返す
func (c *Client) RunFor(ctx context.Context, duration time.Duration) (metrics.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return metrics.Snapshot{}, err
	}
	err := c.Wait()
	return c.metrics.Finalize(), err
}

// Metrics はメトリクスを返す
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// IsRunning は実行中かどうかを返す
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// WorkerStats はワーカーごとの統計を返す
func (c *Client) WorkerStats() map[string]worker.Stats {
	out := make(map[string]worker.Stats, len(c.workers))
	for _, w := range c.workers {
		out[w.Name()] = w.Stats()
	}
	return out
}

// classify はファイル記述子の枯渇をErrResourceExhaustedとして扱う
func classify(err error) error {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return err
}
