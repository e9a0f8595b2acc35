package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cacheload/internal/logger"
)

// Store はKVSの基本操作を定義するインターフェース
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys() []string
	Size() int
}

// Ensure Node implements Store
var _ Store = (*Node)(nil)

// Status はノードの状態を表す
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// item は保存された値
type item struct {
	value []byte
	flags uint32
	cas   uint64
}

// Option はノードの設定を変更する
type Option func(*Node)

// WithAddr は待ち受けアドレスを指定する（デフォルト: 127.0.0.1:0）
func WithAddr(addr string) Option {
	return func(n *Node) { n.listenAddr = addr }
}

// WithUDP はUDPでの待ち受けを有効にする
func WithUDP() Option {
	return func(n *Node) { n.udp = true }
}

// Stats はノードの統計
type Stats struct {
	Requests    uint64
	Connections uint64
	Dropped     uint64
}

// Node はmemcachedバイナリプロトコルを話すモックサーバ
type Node struct {
	id         string
	listenAddr string
	udp        bool

	mu     sync.RWMutex
	status Status
	delay  time.Duration
	data   map[string]item
	cas    uint64

	closeAfter atomic.Int64 // 0は無効

	ln     net.Listener
	pc     net.PacketConn
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	requests    atomic.Uint64
	connections atomic.Uint64
	dropped     atomic.Uint64
}

// New は新しいノードを作成する
func New(id string, opts ...Option) *Node {
	n := &Node{
		id:         id,
		listenAddr: "127.0.0.1:0",
		status:     StatusStopped,
		data:       make(map[string]item),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID はノードIDを返す
func (n *Node) ID() string {
	return n.id
}

// Start はノードを起動し待ち受けを開始する
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusStopped {
		return fmt.Errorf("node %s is already running", n.id)
	}

	ln, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("node %s: listen: %w", n.id, err)
	}
	n.ln = ln

	// 再起動時は前回と同じポートで待ち受ける
	n.listenAddr = ln.Addr().String()

	if n.udp {
		pc, err := net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			return fmt.Errorf("node %s: listen udp: %w", n.id, err)
		}
		n.pc = pc
	}

	var serveCtx context.Context
	serveCtx, n.cancel = context.WithCancel(ctx)
	n.status = StatusRunning

	n.wg.Add(1)
	go n.acceptLoop(serveCtx, ln)
	if n.pc != nil {
		n.wg.Add(1)
		go n.packetLoop(serveCtx, n.pc)
	}

	logger.Info(n.id, "Node started on %s", ln.Addr())
	return nil
}

// Stop はノードを停止する
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.status == StatusStopped {
		n.mu.Unlock()
		return fmt.Errorf("node %s is already stopped", n.id)
	}
	n.status = StatusStopped
	n.cancel()
	n.ln.Close()
	if n.pc != nil {
		n.pc.Close()
		n.pc = nil
	}
	n.mu.Unlock()

	n.DropConnections()
	n.wg.Wait()

	logger.Info(n.id, "Node stopped")
	return nil
}

// Status はノードの現在のステータスを返す
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Addr はTCPの待ち受けアドレスを返す
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listenAddr
}

// UDPAddr はUDPの待ち受けアドレスを返す（無効な場合は空文字）
func (n *Node) UDPAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.pc == nil {
		return ""
	}
	return n.pc.LocalAddr().String()
}

// Suspend はノードを一時停止する
// 一時停止中のリクエストは再開されるまで応答しない
func (n *Node) Suspend() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusRunning {
		return fmt.Errorf("node %s is not running", n.id)
	}

	n.status = StatusSuspended
	logger.Info(n.id, "Node suspended")
	return nil
}

// Resume は一時停止中のノードを再開する
func (n *Node) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusSuspended {
		return fmt.Errorf("node %s is not suspended", n.id)
	}

	n.status = StatusRunning
	logger.Info(n.id, "Node resumed")
	return nil
}

// SetDelay はレスポンス遅延を設定する
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
	if d > 0 {
		logger.Info(n.id, "Delay set to %v", d)
	} else {
		logger.Info(n.id, "Delay cleared")
	}
}

// Delay は現在の遅延設定を返す
func (n *Node) Delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.delay
}

// CloseAfter は累計count件目のリクエストに応答した後、その接続を閉じるよう設定する
// 一度発動すると解除される
func (n *Node) CloseAfter(count int) {
	if count <= 0 {
		n.closeAfter.Store(0)
		return
	}
	n.closeAfter.Store(int64(n.requests.Load()) + int64(count))
}

// DropConnections は全ての接続を切断する
func (n *Node) DropConnections() int {
	n.connMu.Lock()
	defer n.connMu.Unlock()

	count := 0
	for c := range n.conns {
		c.Close()
		delete(n.conns, c)
		count++
	}
	n.dropped.Add(uint64(count))
	if count > 0 {
		logger.Info(n.id, "Dropped %d connections", count)
	}
	return count
}

// Stats はノードの統計を返す
func (n *Node) Stats() Stats {
	return Stats{
		Requests:    n.requests.Load(),
		Connections: n.connections.Load(),
		Dropped:     n.dropped.Load(),
	}
}

// Get はキーに対応する値を取得する
func (n *Node) Get(key string) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.status != StatusRunning {
		return nil, false
	}

	it, exists := n.data[key]
	return it.value, exists
}

// Set はキーに値を設定する
func (n *Node) Set(key string, value []byte) error {
	if n.Status() != StatusRunning {
		return fmt.Errorf("node %s is not running", n.id)
	}
	n.store(key, value, 0)
	return nil
}

// Delete はキーを削除する
func (n *Node) Delete(key string) error {
	if n.Status() != StatusRunning {
		return fmt.Errorf("node %s is not running", n.id)
	}
	n.remove(key)
	return nil
}

// Keys は全てのキーを返す
func (n *Node) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		keys = append(keys, k)
	}
	return keys
}

// Size はデータストアのサイズを返す
func (n *Node) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.data)
}
