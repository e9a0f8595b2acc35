package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cacheload/internal/cluster"
	"cacheload/internal/dist"
	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/node"
)

// Fault は注入する障害の種類
type Fault = events.FaultType

// AllFaults は全ての障害の種類を返す
func AllFaults() []Fault {
	return []Fault{events.FaultDrop, events.FaultSuspend, events.FaultDelay, events.FaultKill}
}

// ParseFaults はカンマ区切りの障害名を解析する
func ParseFaults(s string) ([]Fault, error) {
	var out []Fault
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		found := false
		for _, f := range AllFaults() {
			if string(f) == name {
				out = append(out, f)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown fault %q", dist.ErrInvalidParameter, name)
		}
	}
	return out, nil
}

// chaosStream はワーカーと重ならない乱数ストリーム番号
const chaosStream = -2

// Config はMonkeyの設定
type Config struct {
	Interval   time.Duration // 障害注入の間隔
	Targets    int           // 一度に狙うノード数
	Faults     []Fault       // 有効な障害
	Delay      time.Duration // delay障害の応答遅延
	SuspendFor time.Duration // suspend障害の継続時間（0で自動再開しない）
	Seed       int64
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		Targets:    1,
		Faults:     []Fault{events.FaultDrop, events.FaultSuspend, events.FaultDelay},
		Delay:      5 * time.Millisecond,
		SuspendFor: 500 * time.Millisecond,
		Seed:       1,
	}
}

// Stats は障害注入の統計
type Stats struct {
	Total  uint64            `json:"total"`
	ByType map[string]uint64 `json:"by_type"`
}

// Monkey はモックサーバに障害を注入し、ワーカーの再接続を試す
type Monkey struct {
	config  Config
	cluster *cluster.Cluster
	bus     *events.Bus
	rng     *rand.Rand

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	total     uint64
	byType    map[Fault]uint64
	suspended map[string]time.Time
}

// New は新しいMonkeyを作成する
func New(c *cluster.Cluster, config Config) *Monkey {
	return &Monkey{
		config:    config,
		cluster:   c,
		rng:       dist.NewRand(config.Seed, chaosStream),
		byType:    make(map[Fault]uint64),
		suspended: make(map[string]time.Time),
	}
}

// SetEventBus はイベントバスを設定する
func (m *Monkey) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

// Start は障害注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop()

	logger.Info("", "chaos started (interval: %v, targets: %d, faults: %v)",
		m.config.Interval, m.config.Targets, m.config.Faults)
}

// Stop は障害注入を停止し、一時停止中のノードを再開する
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.resumeAll()

	logger.Info("", "chaos stopped (faults injected: %d)", m.Stats().Total)
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

func (m *Monkey) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.resumeExpired(time.Now())
			m.Strike()
		}
	}
}

// Strike は稼働中のノードからTargets個を選び、ランダムな障害を1つ注入する
// 注入したノード数を返す
func (m *Monkey) Strike() int {
	if len(m.config.Faults) == 0 {
		return 0
	}

	var running []*node.Node
	for _, n := range m.cluster.Nodes() {
		if n.Status() == node.StatusRunning {
			running = append(running, n)
		}
	}
	if len(running) == 0 {
		return 0
	}

	m.mu.Lock()
	m.rng.Shuffle(len(running), func(i, j int) {
		running[i], running[j] = running[j], running[i]
	})
	fault := m.config.Faults[m.rng.Intn(len(m.config.Faults))]
	m.mu.Unlock()

	count := min(max(m.config.Targets, 1), len(running))
	hit := 0
	for _, n := range running[:count] {
		if err := m.Inject(n, fault); err != nil {
			logger.Warn("", "chaos: %s on node %s failed: %v", fault, n.ID(), err)
			continue
		}
		hit++
	}
	return hit
}

// Inject は指定したノードに障害を注入する
func (m *Monkey) Inject(n *node.Node, fault Fault) error {
	switch fault {
	case events.FaultDrop:
		dropped := n.DropConnections()
		logger.Warn("", "chaos: dropped %d connections on node %s", dropped, n.ID())
	case events.FaultSuspend:
		if err := n.Suspend(); err != nil {
			return err
		}
		m.mu.Lock()
		m.suspended[n.ID()] = time.Now()
		m.mu.Unlock()
		logger.Warn("", "chaos: suspended node %s", n.ID())
	case events.FaultDelay:
		n.SetDelay(m.config.Delay)
		logger.Warn("", "chaos: injected %v delay on node %s", m.config.Delay, n.ID())
	case events.FaultKill:
		if err := n.Stop(); err != nil {
			return err
		}
		logger.Warn("", "chaos: killed node %s", n.ID())
	default:
		return fmt.Errorf("%w: unknown fault %q", dist.ErrInvalidParameter, fault)
	}

	m.mu.Lock()
	m.total++
	m.byType[fault]++
	m.mu.Unlock()

	if fault == events.FaultDelay {
		m.bus.Publish(events.NewNodeDelayEvent(n.ID(), m.config.Delay))
	} else {
		m.bus.Publish(events.NewNodeFaultEvent(n.ID(), fault))
	}
	return nil
}

// resumeExpired はSuspendForを過ぎたノードを再開する
func (m *Monkey) resumeExpired(now time.Time) {
	if m.config.SuspendFor <= 0 {
		return
	}
	m.mu.Lock()
	var due []string
	for id, since := range m.suspended {
		if now.Sub(since) >= m.config.SuspendFor {
			due = append(due, id)
			delete(m.suspended, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		m.resume(id)
	}
}

func (m *Monkey) resumeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.suspended))
	for id := range m.suspended {
		ids = append(ids, id)
	}
	m.suspended = make(map[string]time.Time)
	m.mu.Unlock()

	for _, id := range ids {
		m.resume(id)
	}
}

func (m *Monkey) resume(id string) {
	n, ok := m.cluster.GetNode(id)
	if !ok {
		return
	}
	if err := n.Resume(); err == nil {
		logger.Info("", "chaos: resumed node %s", id)
		m.bus.Publish(events.NewNodeRecoveredEvent(id, 0, nil))
	}
}

// Stats は注入統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string]uint64, len(m.byType))
	for f, n := range m.byType {
		byType[string(f)] = n
	}
	return Stats{Total: m.total, ByType: byType}
}
