package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"cacheload/internal/cluster"
	"cacheload/internal/dist"
	"cacheload/internal/keyspace"
	"cacheload/internal/logger"
	"cacheload/internal/protocol"
	"cacheload/internal/transport"
)

// preloadStream はプリロードの乱数ストリーム番号（ワーカーと重ならない）
const preloadStream = -1

// Preload は計測前に全てのキーを各サーバに1回ずつ書き込む
type Preload struct {
	Keys      *keyspace.Space
	ValueSize *dist.Distribution
	Servers   []cluster.Server
	Mode      transport.Mode
	Transport transport.Options
	Rate      int // 1秒あたりの書き込み数の上限（0で無制限）
	Seed      int64

	written atomic.Uint64
	failed  atomic.Uint64
}

// Written は書き込みに成功した件数を返す
func (p *Preload) Written() uint64 {
	return p.written.Load()
}

// Failed は失敗ステータスが返った件数を返す
func (p *Preload) Failed() uint64 {
	return p.failed.Load()
}

// Run はサーバごとに並行して書き込む
// 値のサイズは全サーバで同じ系列になる
func (p *Preload) Run(ctx context.Context) error {
	limiter := ratelimit.NewUnlimited()
	if p.Rate > 0 {
		limiter = ratelimit.New(p.Rate)
	}

	sizes := make([]int, p.Keys.Len())
	rng := dist.NewRand(p.Seed, preloadStream)
	largest := 0
	for i := range sizes {
		sizes[i] = min(max(p.ValueSize.SampleInt(rng), 0), protocol.MaxBodyLen/2)
		largest = max(largest, sizes[i])
	}
	value := make([]byte, largest)
	for i := range value {
		value[i] = 'p'
	}

	logger.Info("", "Preloading %d keys on %d servers", p.Keys.Len(), len(p.Servers))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range unique(p.Servers) {
		g.Go(func() error {
			return p.load(gctx, s, limiter, sizes, value)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("preload: %w", err)
	}

	logger.Info("", "Preload complete (%d written, %d rejected)", p.Written(), p.Failed())
	return nil
}

func (p *Preload) load(ctx context.Context, s cluster.Server, limiter ratelimit.Limiter, sizes []int, value []byte) error {
	conn, err := transport.Dial(ctx, p.Mode, s.Addr(), p.Transport)
	if err != nil {
		return err
	}
	defer conn.Close()

	var msg []byte
	for i := range sizes {
		if err := ctx.Err(); err != nil {
			return err
		}
		limiter.Take()

		op := protocol.Set{Key: p.Keys.Key(i), Value: value[:sizes[i]]}
		opaque := uint32(i)
		msg = op.Append(msg[:0], opaque)
		if err := conn.WriteMessage(msg); err != nil {
			return err
		}
		reply, err := conn.ReadReply(op, opaque)
		if err != nil {
			return err
		}
		if reply.Status.IsError() {
			p.failed.Add(1)
			continue
		}
		p.written.Add(1)
	}
	return nil
}

func unique(servers []cluster.Server) []cluster.Server {
	seen := make(map[cluster.Server]struct{}, len(servers))
	var out []cluster.Server
	for _, s := range servers {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
