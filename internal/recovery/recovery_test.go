package recovery

import (
	"context"
	"testing"
	"time"

	"cacheload/internal/cluster"
	"cacheload/internal/events"
	"cacheload/internal/node"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHealer(t *testing.T, config Config) (*Healer, *node.Node, *stepClock) {
	t.Helper()
	c := cluster.New()
	if err := c.CreateNodes(1, "mock"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.StopAll() })

	clk := &stepClock{t: time.Unix(0, 0)}
	h := New(c, config)
	h.now = clk.now
	return h, c.Nodes()[0], clk
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.CheckInterval != 250*time.Millisecond {
		t.Errorf("expected interval 250ms, got %v", config.CheckInterval)
	}
	if config.HealDelay != time.Second {
		t.Errorf("expected heal delay 1s, got %v", config.HealDelay)
	}
	if config.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", config.MaxRetries)
	}
	if !config.Restart || !config.Resume || !config.ClearDelay {
		t.Error("expected all heal actions enabled by default")
	}
}

func TestHealerRestartsStoppedNode(t *testing.T) {
	h, n, clk := newTestHealer(t, DefaultConfig())
	addr := n.Addr()

	_ = n.Stop()
	h.Check()
	if n.Status() != node.StatusStopped {
		t.Fatal("expected node to stay stopped before the heal delay")
	}

	clk.advance(2 * time.Second)
	h.Check()

	if n.Status() != node.StatusRunning {
		t.Fatalf("expected node to be running, got %v", n.Status())
	}
	if n.Addr() != addr {
		t.Errorf("expected restart on %s, got %s", addr, n.Addr())
	}
	stats := h.Stats()
	if stats.Healed != 1 || stats.Unhealthy != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHealerResumesSuspendedNode(t *testing.T) {
	h, n, clk := newTestHealer(t, DefaultConfig())

	_ = n.Suspend()
	h.Check()
	clk.advance(2 * time.Second)
	h.Check()

	if n.Status() != node.StatusRunning {
		t.Errorf("expected node to be running, got %v", n.Status())
	}
}

func TestHealerClearsDelay(t *testing.T) {
	h, n, clk := newTestHealer(t, DefaultConfig())

	n.SetDelay(100 * time.Millisecond)
	h.Check()
	clk.advance(2 * time.Second)
	h.Check()

	if n.Delay() != 0 {
		t.Errorf("expected delay cleared, got %v", n.Delay())
	}
}

func TestHealerDisabledActions(t *testing.T) {
	config := DefaultConfig()
	config.Restart = false
	config.Resume = false
	h, n, clk := newTestHealer(t, config)

	_ = n.Stop()
	h.Check()
	clk.advance(2 * time.Second)
	h.Check()

	if n.Status() != node.StatusStopped {
		t.Error("expected node to remain stopped when Restart is disabled")
	}
	if s := h.Stats(); s.Attempts != 0 {
		t.Errorf("expected no attempts, got %d", s.Attempts)
	}
}

func TestHealerMaxRetries(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 2
	h, n, clk := newTestHealer(t, config)

	// 同じポートを塞いで再起動を失敗させる
	_ = n.Stop()
	blocker := node.New("blocker", node.WithAddr(n.Addr()))
	if err := blocker.Start(context.Background()); err != nil {
		t.Skipf("cannot occupy port: %v", err)
	}
	defer func() { _ = blocker.Stop() }()

	h.Check()
	for range 5 {
		clk.advance(2 * time.Second)
		h.Check()
	}

	stats := h.Stats()
	if stats.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", stats.Attempts)
	}
	if stats.Failed != 2 {
		t.Errorf("expected 2 failures, got %d", stats.Failed)
	}
	if stats.Unhealthy != 1 {
		t.Errorf("expected 1 unhealthy node, got %d", stats.Unhealthy)
	}
}

func TestHealerPublishesRecovery(t *testing.T) {
	h, n, clk := newTestHealer(t, DefaultConfig())
	bus := events.NewBus()
	defer bus.Close()
	h.SetEventBus(bus)
	sub := bus.Subscribe(events.EventNodeRecovered)

	_ = n.Suspend()
	h.Check()
	clk.advance(2 * time.Second)
	h.Check()

	select {
	case ev := <-sub:
		if ev.Source != n.ID() {
			t.Errorf("expected source %s, got %s", n.ID(), ev.Source)
		}
		if ev.Data.Attempt != 1 {
			t.Errorf("expected attempt 1, got %d", ev.Data.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery event")
	}
}

func TestHealerStartStop(t *testing.T) {
	config := DefaultConfig()
	config.CheckInterval = 20 * time.Millisecond
	config.HealDelay = 0
	h, n, _ := newTestHealer(t, config)
	h.now = time.Now

	h.Start(context.Background())
	if !h.IsRunning() {
		t.Error("expected healer to be running after Start")
	}

	_ = n.Suspend()
	deadline := time.Now().Add(2 * time.Second)
	for n.Status() != node.StatusRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.Stop()

	if n.Status() != node.StatusRunning {
		t.Errorf("expected node to be resumed, got %v", n.Status())
	}
	if h.IsRunning() {
		t.Error("expected healer to be stopped")
	}
}
