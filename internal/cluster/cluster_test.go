package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"cacheload/internal/dist"
	"cacheload/internal/node"
)

func TestNewCluster(t *testing.T) {
	c := New()

	if c.Size() != 0 {
		t.Errorf("expected size 0, got %d", c.Size())
	}
}

func TestClusterAddRemoveNode(t *testing.T) {
	c := New()
	n := node.New("mock-1")

	if err := c.AddNode(n); err != nil {
		t.Errorf("failed to add node: %v", err)
	}
	if c.Size() != 1 {
		t.Errorf("expected size 1, got %d", c.Size())
	}

	// Add duplicate should fail
	if err := c.AddNode(n); err == nil {
		t.Error("expected error when adding duplicate node")
	}

	retrieved, ok := c.GetNode("mock-1")
	if !ok || retrieved.ID() != n.ID() {
		t.Errorf("expected to find node %s", n.ID())
	}

	if err := c.RemoveNode("mock-1"); err != nil {
		t.Errorf("failed to remove node: %v", err)
	}
	if c.Size() != 0 {
		t.Errorf("expected size 0, got %d", c.Size())
	}
	if err := c.RemoveNode("mock-1"); err == nil {
		t.Error("expected error when removing non-existent node")
	}
}

func TestClusterStartStopAll(t *testing.T) {
	c := New()
	_ = c.CreateNodes(3, "mock")

	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("failed to start all: %v", err)
	}
	if c.RunningCount() != 3 {
		t.Errorf("expected 3 running nodes, got %d", c.RunningCount())
	}

	// Starting again fails for every node
	if err := c.StartAll(context.Background()); err == nil {
		t.Error("expected error when starting running nodes")
	}

	n, _ := c.GetNode("mock-2")
	_ = n.Stop()

	if err := c.StopAll(); err != nil {
		t.Errorf("failed to stop all: %v", err)
	}
	if c.StoppedCount() != 3 {
		t.Errorf("expected 3 stopped nodes, got %d", c.StoppedCount())
	}
}

func TestClusterNodesSorted(t *testing.T) {
	c := New()
	_ = c.CreateNodes(12, "mock")

	nodes := c.Nodes()
	if len(nodes) != 12 {
		t.Fatalf("expected 12 nodes, got %d", len(nodes))
	}
	for i := 1; i < len(nodes); i++ {
		if nodes[i-1].ID() >= nodes[i].ID() {
			t.Errorf("nodes not sorted: %s before %s", nodes[i-1].ID(), nodes[i].ID())
		}
	}
}

func TestClusterServers(t *testing.T) {
	c := New()
	_ = c.CreateNodes(2, "mock", node.WithUDP())
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("failed to start all: %v", err)
	}
	defer c.StopAll()

	tcp, err := c.Servers(false)
	if err != nil {
		t.Fatalf("failed to list servers: %v", err)
	}
	if tcp.Len() != 2 {
		t.Errorf("expected 2 servers, got %d", tcp.Len())
	}
	first, _ := tcp.At(0)
	n, _ := c.GetNode("mock-1")
	if first.Addr() != n.Addr() {
		t.Errorf("expected %s, got %s", n.Addr(), first.Addr())
	}

	udp, err := c.Servers(true)
	if err != nil {
		t.Fatalf("failed to list udp servers: %v", err)
	}
	if udp.Len() != 2 {
		t.Errorf("expected 2 udp servers, got %d", udp.Len())
	}

	plain := New()
	_ = plain.CreateNodes(1, "tcp-only")
	_ = plain.StartAll(context.Background())
	defer plain.StopAll()
	if _, err := plain.Servers(true); err == nil {
		t.Error("expected error for node without udp")
	}
}

func TestClusterConcurrentAccess(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.AddNode(node.New(fmt.Sprintf("mock-%d", i)))
		}(i)
	}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Nodes()
			c.Size()
		}()
	}
	wg.Wait()

	if c.Size() != 50 {
		t.Errorf("expected 50 nodes, got %d", c.Size())
	}
}

func TestParseServer(t *testing.T) {
	tests := []struct {
		input    string
		expected Server
		hasError bool
	}{
		{"10.0.0.1 11212", Server{"10.0.0.1", 11212}, false},
		{"cache-a,11211", Server{"cache-a", 11211}, false},
		{"127.0.0.1:9000", Server{"127.0.0.1", 9000}, false},
		{"[::1]:9000", Server{"::1", 9000}, false},
		{"cache-b", Server{"cache-b", DefaultPort}, false},
		{"cache-c 0", Server{}, true},
		{"cache-d abc", Server{}, true},
		{"a b c", Server{}, true},
		{"   ", Server{}, true},
	}

	for _, tt := range tests {
		got, err := ParseServer(tt.input)
		if tt.hasError {
			if !errors.Is(err, dist.ErrInvalidParameter) {
				t.Errorf("ParseServer(%q): expected invalid parameter, got %v", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseServer(%q): unexpected error %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseServer(%q) = %+v, want %+v", tt.input, got, tt.expected)
		}
	}
}

func TestParseServerList(t *testing.T) {
	input := `# memcached pool
10.0.0.1 11211
10.0.0.2,11212  # second

10.0.0.3
`
	list, err := ParseServerList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(list))
	}
	if list[1].Port != 11212 || list[2].Port != DefaultPort {
		t.Errorf("unexpected ports: %+v", list)
	}

	if _, err := ParseServerList(strings.NewReader("host port\n")); err == nil {
		t.Error("expected error for bad port")
	}
	if _, err := LoadServerFile("/nonexistent/servers.txt"); err == nil {
		t.Error("expected error for missing file")
	}
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return addrs, nil
}

func TestResolve(t *testing.T) {
	r := fakeResolver{
		"cache-a": {"::1", "192.168.1.10"},
		"cache-b": {"fe80::2"},
	}
	list := []Server{{"cache-a", 11211}, {"10.0.0.9", 11212}, {"cache-b", 1}}

	out, err := resolveWith(context.Background(), r, list)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Host != "192.168.1.10" {
		t.Errorf("expected IPv4 preference, got %s", out[0].Host)
	}
	if out[1].Host != "10.0.0.9" {
		t.Errorf("expected literal IP to pass through, got %s", out[1].Host)
	}
	if out[2].Host != "fe80::2" {
		t.Errorf("expected IPv6 fallback, got %s", out[2].Host)
	}

	if _, err := resolveWith(context.Background(), r, []Server{{"missing", 1}}); err == nil {
		t.Error("expected resolution error")
	}
}

func TestServersView(t *testing.T) {
	if _, err := NewServers(nil); !errors.Is(err, ErrNoServers) {
		t.Errorf("expected ErrNoServers, got %v", err)
	}

	list := []Server{{"a", 1}, {"b", 2}}
	s, err := NewServers(list)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list[0].Host = "mutated"

	first, err := s.At(0)
	if err != nil || first.Host != "a" {
		t.Errorf("expected immutable copy, got %+v (%v)", first, err)
	}
	if _, err := s.At(2); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := s.At(-1); err == nil {
		t.Error("expected out of range error for negative index")
	}

	all := s.All()
	all[1].Host = "mutated"
	if second, _ := s.At(1); second.Host != "b" {
		t.Error("All should return a copy")
	}
}

func TestServersPlan(t *testing.T) {
	s, _ := NewServers([]Server{{"a", 1}, {"b", 1}, {"c", 1}})

	plan, err := s.Plan(2, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan[0]) != 3 || len(plan[1]) != 2 {
		t.Errorf("expected 3+2 connections, got %d+%d", len(plan[0]), len(plan[1]))
	}

	var hosts []string
	for _, w := range plan {
		for _, srv := range w {
			hosts = append(hosts, srv.Host)
		}
	}
	if strings.Join(hosts, "") != "abcab" {
		t.Errorf("expected round-robin assignment, got %v", hosts)
	}

	if _, err := s.Plan(4, 2); !errors.Is(err, dist.ErrInvalidParameter) {
		t.Errorf("expected invalid parameter for too few connections, got %v", err)
	}
	if _, err := s.Plan(1, 2); !errors.Is(err, dist.ErrInvalidParameter) {
		t.Errorf("expected invalid parameter when a server gets no connection, got %v", err)
	}
	if _, err := s.Plan(0, 2); !errors.Is(err, dist.ErrInvalidParameter) {
		t.Errorf("expected invalid parameter for zero workers, got %v", err)
	}
}
