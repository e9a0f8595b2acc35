package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"cacheload/internal/dist"
)

// DefaultPort はmemcachedの標準ポート
const DefaultPort = 11211

// ErrNoServers はサーバが1台も指定されていない場合のエラー
var ErrNoServers = errors.New("no servers configured")

// Server は接続先のキャッシュサーバ
type Server struct {
	Host string
	Port int
}

// Addr は "host:port" 形式のアドレスを返す
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Server) String() string {
	return s.Addr()
}

// ParseServer は "host:port"、"host port"、"host,port"、"host" のいずれかを解析する
func ParseServer(s string) (Server, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Server{}, fmt.Errorf("%w: empty server", dist.ErrInvalidParameter)
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	host, portStr := fields[0], ""
	switch len(fields) {
	case 1:
		if h, p, err := net.SplitHostPort(fields[0]); err == nil {
			host, portStr = h, p
		}
	case 2:
		portStr = fields[1]
	default:
		return Server{}, fmt.Errorf("%w: malformed server %q", dist.ErrInvalidParameter, s)
	}

	port := DefaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return Server{}, fmt.Errorf("%w: bad port in %q", dist.ErrInvalidParameter, s)
		}
		port = p
	}
	return Server{Host: host, Port: port}, nil
}

// ParseServerList はサーバ一覧を1行1台で解析する
// 空行と '#' 以降は無視する
func ParseServerList(r io.Reader) ([]Server, error) {
	var list []Server
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		s, err := ParseServer(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		list = append(list, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// LoadServerFile はサーバ設定ファイルを読み込む
func LoadServerFile(path string) ([]Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server file: %w", err)
	}
	defer f.Close()

	list, err := ParseServerList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Resolve はホスト名をIPアドレスに解決する（IPv4を優先）
func Resolve(ctx context.Context, list []Server) ([]Server, error) {
	return resolveWith(ctx, net.DefaultResolver, list)
}

type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

func resolveWith(ctx context.Context, r hostResolver, list []Server) ([]Server, error) {
	out := make([]Server, len(list))
	for i, s := range list {
		if net.ParseIP(s.Host) != nil {
			out[i] = s
			continue
		}
		addrs, err := r.LookupHost(ctx, s.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", s.Host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("failed to resolve %s: no addresses", s.Host)
		}
		chosen := addrs[0]
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				chosen = a
				break
			}
		}
		out[i] = Server{Host: chosen, Port: s.Port}
	}
	return out, nil
}

// Servers はサーバ一覧の読み取り専用ビュー
type Servers struct {
	list []Server
}

// NewServers はサーバ一覧からビューを作成する
func NewServers(list []Server) (*Servers, error) {
	if len(list) == 0 {
		return nil, ErrNoServers
	}
	cp := make([]Server, len(list))
	copy(cp, list)
	return &Servers{list: cp}, nil
}

// Len はサーバ数を返す
func (s *Servers) Len() int {
	return len(s.list)
}

// At はi番目のサーバを返す
func (s *Servers) At(i int) (Server, error) {
	if i < 0 || i >= len(s.list) {
		return Server{}, fmt.Errorf("server index %d out of range [0, %d)", i, len(s.list))
	}
	return s.list[i], nil
}

// All はサーバ一覧のコピーを返す
func (s *Servers) All() []Server {
	cp := make([]Server, len(s.list))
	copy(cp, s.list)
	return cp
}

// Plan は総接続数をワーカーに分配し、各接続にサーバを割り当てる
// 接続の通し番号cにはサーバ c % Len() を割り当て、余りは先頭のワーカーから配る
// 全てのサーバに少なくとも1本の接続が必要
func (s *Servers) Plan(workers, connections int) ([][]Server, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", dist.ErrInvalidParameter, workers)
	}
	if connections < workers {
		return nil, fmt.Errorf("%w: %d connections cannot serve %d workers", dist.ErrInvalidParameter, connections, workers)
	}
	if connections < len(s.list) {
		return nil, fmt.Errorf("%w: %d connections leave some of %d servers without traffic", dist.ErrInvalidParameter, connections, len(s.list))
	}

	plan := make([][]Server, workers)
	per, extra := connections/workers, connections%workers
	c := 0
	for w := range workers {
		n := per
		if w < extra {
			n++
		}
		plan[w] = make([]Server, n)
		for i := range n {
			plan[w][i] = s.list[c%len(s.list)]
			c++
		}
	}
	return plan, nil
}
