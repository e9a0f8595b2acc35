package node

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"cacheload/internal/logger"
	"cacheload/internal/protocol"
)

// suspendPoll は一時停止中に状態を確認する間隔
const suspendPoll = 5 * time.Millisecond

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) {
	defer n.wg.Done()

	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn(n.id, "accept failed: %v", err)
			}
			return
		}
		if !n.track(c) {
			c.Close()
			return
		}
		n.connections.Add(1)
		n.wg.Add(1)
		go n.handleConn(ctx, c)
	}
}

// track は接続を登録する
// 状態の確認をconnMuの内側で行い、Stopとの競合で接続を取りこぼさない
func (n *Node) track(c net.Conn) bool {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.Status() == StatusStopped {
		return false
	}
	n.conns[c] = struct{}{}
	return true
}

func (n *Node) untrack(c net.Conn) {
	n.connMu.Lock()
	delete(n.conns, c)
	n.connMu.Unlock()
	c.Close()
}

// handleConn は1本のTCP接続でリクエストを順に処理する
func (n *Node) handleConn(ctx context.Context, c net.Conn) {
	defer n.wg.Done()
	defer n.untrack(c)

	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	var buf, out []byte

	for {
		f, nbuf, err := protocol.ReadRequest(r, buf)
		buf = nbuf
		if err != nil {
			return
		}
		if !n.await(ctx) {
			return
		}

		out = n.process(f, out[:0])
		count := n.requests.Add(1)
		if len(out) > 0 {
			if _, err := w.Write(out); err != nil {
				return
			}
		}
		// パイプラインされたリクエストが残っている間はまとめて書き出す
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}

		if limit := n.closeAfter.Load(); limit > 0 && int64(count) >= limit && n.closeAfter.CompareAndSwap(limit, 0) {
			w.Flush()
			logger.Info(n.id, "Closing connection after request %d", count)
			return
		}
	}
}

// await は遅延と一時停止を適用し、処理を続けてよいかを返す
func (n *Node) await(ctx context.Context) bool {
	if d := n.Delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
	for n.Status() == StatusSuspended {
		select {
		case <-time.After(suspendPoll):
		case <-ctx.Done():
			return false
		}
	}
	return n.Status() == StatusRunning
}

// packetLoop はUDPのリクエストを処理する
// 1つのデータグラムに収まるリクエストのみ受け付ける
func (n *Node) packetLoop(ctx context.Context, pc net.PacketConn) {
	defer n.wg.Done()

	buf := make([]byte, 64*1024)
	var out []byte
	for {
		nread, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		h, err := protocol.ParseDatagramHeader(buf[:nread])
		if err != nil || h.Total != 1 {
			continue
		}
		if !n.await(ctx) {
			return
		}

		out = out[:0]
		payload := buf[protocol.DatagramHeaderLen:nread]
		for len(payload) > 0 {
			f, used, err := protocol.Decode(payload)
			if err != nil || f.Magic != protocol.MagicRequest {
				break
			}
			n.requests.Add(1)
			out = n.process(f, out)
			payload = payload[used:]
		}

		grams, err := protocol.SplitDatagrams(h.RequestID, out, protocol.DefaultDatagramSize)
		if err != nil {
			continue
		}
		for _, g := range grams {
			if _, err := pc.WriteTo(g, from); err != nil {
				break
			}
		}
	}
}
