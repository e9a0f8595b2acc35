package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cacheload/internal/logger"
	"cacheload/internal/node"
)

// Manager はモックノード群の基本操作を定義するインターフェース
type Manager interface {
	AddNode(n *node.Node) error
	RemoveNode(nodeID string) error
	GetNode(nodeID string) (*node.Node, bool)
	Nodes() []*node.Node
	StartAll(ctx context.Context) error
	StopAll() error
	Size() int
	RunningCount() int
}

// Ensure Cluster implements Manager
var _ Manager = (*Cluster)(nil)

// Cluster はプロセス内のモックノード群を管理する
type Cluster struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// New は新しいクラスタを作成する
func New() *Cluster {
	return &Cluster{
		nodes: make(map[string]*node.Node),
	}
}

// AddNode はクラスタにノードを追加する
func (c *Cluster) AddNode(n *node.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[n.ID()]; exists {
		return fmt.Errorf("node %s already exists in cluster", n.ID())
	}
	c.nodes[n.ID()] = n
	return nil
}

// RemoveNode はクラスタからノードを削除し、稼働中なら停止する
func (c *Cluster) RemoveNode(nodeID string) error {
	c.mu.Lock()
	n, exists := c.nodes[nodeID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("node %s not found in cluster", nodeID)
	}
	delete(c.nodes, nodeID)
	c.mu.Unlock()

	if n.Status() != node.StatusStopped {
		_ = n.Stop()
	}
	logger.Info("", "Node %s removed from cluster", nodeID)
	return nil
}

// GetNode はノードIDでノードを取得する
func (c *Cluster) GetNode(nodeID string) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, exists := c.nodes[nodeID]
	return n, exists
}

// Nodes はID順に並べた全てのノードを返す
func (c *Cluster) Nodes() []*node.Node {
	c.mu.RLock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}

// StartAll は全てのノードを並行して起動する
func (c *Cluster) StartAll(ctx context.Context) error {
	nodes := c.Nodes()
	logger.Info("", "Starting %d mock nodes", len(nodes))

	err := c.forEach(nodes, func(n *node.Node) error {
		return n.Start(ctx)
	})
	if err != nil {
		logger.Error("", "Failed to start mock nodes: %v", err)
		return err
	}
	return nil
}

// StopAll は全てのノードを停止する
// 停止済みのノードは無視する
func (c *Cluster) StopAll() error {
	nodes := c.Nodes()

	_ = c.forEach(nodes, func(n *node.Node) error {
		if n.Status() == node.StatusStopped {
			return nil
		}
		return n.Stop()
	})
	logger.Info("", "Stopped %d mock nodes", len(nodes))
	return nil
}

func (c *Cluster) forEach(nodes []*node.Node, fn func(*node.Node) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(n)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Size はクラスタ内のノード数を返す
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// RunningCount は実行中のノード数を返す
func (c *Cluster) RunningCount() int {
	return c.countStatus(node.StatusRunning)
}

// StoppedCount は停止中のノード数を返す
func (c *Cluster) StoppedCount() int {
	return c.countStatus(node.StatusStopped)
}

func (c *Cluster) countStatus(status node.Status) int {
	count := 0
	for _, n := range c.Nodes() {
		if n.Status() == status {
			count++
		}
	}
	return count
}

// CreateNodes は指定された数のノードを作成してクラスタに追加する
func (c *Cluster) CreateNodes(count int, prefix string, opts ...node.Option) error {
	for i := range count {
		if err := c.AddNode(node.New(fmt.Sprintf("%s-%d", prefix, i+1), opts...)); err != nil {
			return err
		}
	}
	logger.Info("", "Created %d mock nodes with prefix '%s'", count, prefix)
	return nil
}

// Servers は起動済みノードのアドレスをサーバ一覧として返す
func (c *Cluster) Servers(udp bool) (*Servers, error) {
	var list []Server
	for _, n := range c.Nodes() {
		addr := n.Addr()
		if udp {
			addr = n.UDPAddr()
			if addr == "" {
				return nil, fmt.Errorf("node %s is not listening on udp", n.ID())
			}
		}
		s, err := ParseServer(addr)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return NewServers(list)
}
