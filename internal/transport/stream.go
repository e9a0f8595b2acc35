package transport

import (
	"bufio"
	"net"
	"time"

	"cacheload/internal/protocol"
)

// streamConn はTCP接続
type streamConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	buf     []byte
	timeout time.Duration
}

func newStreamConn(c net.Conn, opts Options) (*streamConn, error) {
	if tc, ok := c.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(!opts.Nagle); err != nil {
			c.Close()
			return nil, wrap("set nodelay", err)
		}
	}
	return &streamConn{
		conn:    c,
		reader:  bufio.NewReaderSize(c, opts.BufferSize),
		buf:     make([]byte, protocol.HeaderLen, 4096),
		timeout: opts.Timeout,
	}, nil
}

// WriteMessage はメッセージを全て書き込む
// net.Conn.Write は全量を書き込むか、エラーを返す
func (s *streamConn) WriteMessage(msg []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return wrap("set deadline", err)
	}
	if _, err := s.conn.Write(msg); err != nil {
		return wrap("write", err)
	}
	return nil
}

func (s *streamConn) ReadReply(op protocol.Operation, opaque uint32) (protocol.Reply, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return protocol.Reply{}, wrap("set deadline", err)
	}
	reply, buf, err := protocol.ReadReply(s.reader, op, opaque, s.buf)
	s.buf = buf
	if err != nil {
		return reply, wrap("read", err)
	}
	return reply, nil
}

func (s *streamConn) Mode() Mode {
	return ModeStream
}

func (s *streamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *streamConn) Close() error {
	return s.conn.Close()
}
