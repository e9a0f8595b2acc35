package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cacheload/internal/cluster"
	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/node"
)

// Config はHealerの設定
type Config struct {
	CheckInterval time.Duration // 状態確認の間隔
	HealDelay     time.Duration // 障害検出から修復までの待機時間
	MaxRetries    int           // ノードごとの修復試行上限（0で無制限）
	Restart       bool          // 停止ノードを再起動する
	Resume        bool          // 一時停止ノードを再開する
	ClearDelay    bool          // 応答遅延を解除する
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		CheckInterval: 250 * time.Millisecond,
		HealDelay:     time.Second,
		MaxRetries:    3,
		Restart:       true,
		Resume:        true,
		ClearDelay:    true,
	}
}

// faultState はノードごとの障害追跡
type faultState struct {
	since    time.Time
	attempts int
}

// Stats は修復統計
type Stats struct {
	Attempts  uint64 `json:"attempts"`
	Healed    uint64 `json:"healed"`
	Failed    uint64 `json:"failed"`
	Unhealthy int    `json:"unhealthy"`
}

// Healer はモックサーバに注入された障害を一定時間後に修復する
// ワーカー側の再接続が実際に成功することを確認するためのもの
type Healer struct {
	config  Config
	cluster *cluster.Cluster
	bus     *events.Bus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	faults map[string]*faultState
	stats  Stats
	now    func() time.Time
}

// New は新しいHealerを作成する
func New(c *cluster.Cluster, config Config) *Healer {
	return &Healer{
		config:  config,
		cluster: c,
		faults:  make(map[string]*faultState),
		now:     time.Now,
	}
}

// SetEventBus はイベントバスを設定する
func (h *Healer) SetEventBus(bus *events.Bus) {
	h.bus = bus
}

// Start は監視ループを開始する
func (h *Healer) Start(ctx context.Context) {
	if h.running.Swap(true) {
		return
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.loop()

	logger.Info("", "healer started (interval: %v, delay: %v)", h.config.CheckInterval, h.config.HealDelay)
}

// Stop は監視ループを停止する
func (h *Healer) Stop() {
	if !h.running.Swap(false) {
		return
	}
	h.cancel()
	h.wg.Wait()

	s := h.Stats()
	logger.Info("", "healer stopped (healed: %d, failed: %d)", s.Healed, s.Failed)
}

// IsRunning は実行中かどうかを返す
func (h *Healer) IsRunning() bool {
	return h.running.Load()
}

// Stats は修復統計を返す
func (h *Healer) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Unhealthy = len(h.faults)
	return s
}

func (h *Healer) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check は全ノードの状態を一度確認し、必要なら修復する
func (h *Healer) Check() {
	now := h.now()
	for _, n := range h.cluster.Nodes() {
		h.checkNode(n, now)
	}
}

func (h *Healer) checkNode(n *node.Node, now time.Time) {
	status := n.Status()
	faulty := h.healable(n, status)

	h.mu.Lock()
	state, tracked := h.faults[n.ID()]
	if !faulty {
		if tracked {
			delete(h.faults, n.ID())
		}
		h.mu.Unlock()
		return
	}
	if !tracked {
		h.faults[n.ID()] = &faultState{since: now}
		h.mu.Unlock()
		logger.Warn("", "healer: node %s is %s", n.ID(), describe(n))
		return
	}
	if now.Sub(state.since) < h.config.HealDelay {
		h.mu.Unlock()
		return
	}
	if h.config.MaxRetries > 0 && state.attempts >= h.config.MaxRetries {
		h.mu.Unlock()
		return
	}
	state.attempts++
	state.since = now
	attempt := state.attempts
	h.stats.Attempts++
	h.mu.Unlock()

	err := h.heal(n, status)

	h.mu.Lock()
	if err != nil {
		h.stats.Failed++
	} else {
		h.stats.Healed++
		delete(h.faults, n.ID())
	}
	h.mu.Unlock()

	if err != nil {
		logger.Error("", "healer: node %s attempt %d: %v", n.ID(), attempt, err)
	} else {
		logger.Info("", "healer: node %s healed (attempt %d)", n.ID(), attempt)
	}
	h.bus.Publish(events.NewNodeRecoveredEvent(n.ID(), attempt, err))
}

// healable は設定上修復対象となる障害があるかを返す
func (h *Healer) healable(n *node.Node, status node.Status) bool {
	switch status {
	case node.StatusStopped:
		return h.config.Restart
	case node.StatusSuspended:
		return h.config.Resume
	default:
		return h.config.ClearDelay && n.Delay() > 0
	}
}

// heal は状態に応じた修復を行う
func (h *Healer) heal(n *node.Node, status node.Status) error {
	switch status {
	case node.StatusStopped:
		if err := n.Start(context.WithoutCancel(h.context())); err != nil {
			return err
		}
	case node.StatusSuspended:
		if err := n.Resume(); err != nil {
			return err
		}
	}
	if h.config.ClearDelay {
		n.SetDelay(0)
	}
	return nil
}

func (h *Healer) context() context.Context {
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

func describe(n *node.Node) string {
	if d := n.Delay(); d > 0 && n.Status() == node.StatusRunning {
		return "delayed by " + d.String()
	}
	return n.Status().String()
}
