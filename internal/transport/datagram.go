package transport

import (
	"fmt"
	"net"
	"time"

	"cacheload/internal/protocol"
)

// datagramConn はUDP接続
// 送信ごとにリクエストIDを進め、古いIDの断片は受信時に捨てる
type datagramConn struct {
	conn    net.Conn
	size    int
	timeout time.Duration
	reqID   uint16
	rbuf    []byte
	asm     *protocol.Reassembler
}

func newDatagramConn(c net.Conn, opts Options) *datagramConn {
	return &datagramConn{
		conn:    c,
		size:    opts.DatagramSize,
		timeout: opts.Timeout,
		rbuf:    make([]byte, 64*1024),
		asm:     protocol.NewReassembler(),
	}
}

// WriteMessage はメッセージをデータグラムに分割して送信する
func (d *datagramConn) WriteMessage(msg []byte) error {
	d.reqID++
	grams, err := protocol.SplitDatagrams(d.reqID, msg, d.size)
	if err != nil {
		return err
	}
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return wrap("set deadline", err)
	}
	for _, g := range grams {
		n, err := d.conn.Write(g)
		if err != nil {
			return wrap("write", err)
		}
		if n != len(g) {
			return fmt.Errorf("%w: short datagram write %d of %d", ErrTransport, n, len(g))
		}
	}
	return nil
}

// ReadReply は最後に送信したリクエストの応答を受信する
// 断片が欠けた場合はタイムアウトとなり、途中状態は破棄される
func (d *datagramConn) ReadReply(op protocol.Operation, opaque uint32) (protocol.Reply, error) {
	deadline := time.Now().Add(d.timeout)
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Reply{}, wrap("set deadline", err)
	}
	defer d.asm.Expire(deadline)

	for {
		n, err := d.conn.Read(d.rbuf)
		if err != nil {
			d.asm.Discard(d.reqID)
			return protocol.Reply{}, wrap("read", err)
		}
		h, err := protocol.ParseDatagramHeader(d.rbuf[:n])
		if err != nil || h.RequestID != d.reqID {
			continue
		}

		_, msg, complete, err := d.asm.Add(d.rbuf[:n], time.Now())
		if err != nil {
			return protocol.Reply{}, err
		}
		if !complete {
			continue
		}
		return protocol.DecodeReply(msg, op, opaque)
	}
}

func (d *datagramConn) Mode() Mode {
	return ModeDatagram
}

func (d *datagramConn) RemoteAddr() string {
	return d.conn.RemoteAddr().String()
}

func (d *datagramConn) Close() error {
	return d.conn.Close()
}
