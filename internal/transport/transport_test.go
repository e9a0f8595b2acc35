package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cacheload/internal/protocol"
)

// serveStream は受信したリクエストごとに成功応答を返すTCPサーバを起動する
func serveStream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				var buf []byte
				for {
					f, nbuf, err := protocol.ReadRequest(c, buf)
					buf = nbuf
					if err != nil {
						return
					}
					var value []byte
					if f.Opcode == protocol.OpGet {
						value = []byte("hello")
					}
					resp := protocol.AppendResponse(nil, f.Opcode, protocol.StatusOK, f.Opaque, 1, nil, "", value)
					if _, err := c.Write(resp); err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("UDP")
	require.NoError(t, err)
	assert.Equal(t, ModeDatagram, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStream, m)

	_, err = ParseMode("sctp")
	assert.Error(t, err)
}

func TestStreamRoundTrip(t *testing.T) {
	addr := serveStream(t)

	c, err := Dial(context.Background(), ModeStream, addr, DefaultOptions())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ModeStream, c.Mode())
	assert.Equal(t, addr, c.RemoteAddr())

	set := protocol.Set{Key: "k", Value: []byte("hello")}
	require.NoError(t, c.WriteMessage(protocol.Encode(set, 1)))
	reply, err := c.ReadReply(set, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	get := protocol.Get{Key: "k"}
	require.NoError(t, c.WriteMessage(protocol.Encode(get, 2)))
	reply, err = c.ReadReply(get, 2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply.Value))
}

func TestStreamPipelinedBatch(t *testing.T) {
	addr := serveStream(t)

	c, err := Dial(context.Background(), ModeStream, addr, DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	var msg []byte
	for i := range 20 {
		msg = protocol.Get{Key: "k"}.Append(msg, uint32(i))
	}
	require.NoError(t, c.WriteMessage(msg))

	for i := range 20 {
		reply, err := c.ReadReply(protocol.Get{Key: "k"}, uint32(i))
		require.NoError(t, err)
		assert.Equal(t, 1, reply.Hits)
	}
}

func TestStreamReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// 応答しない
		io.Copy(io.Discard, c)
	}()

	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), ModeStream, ln.Addr().String(), opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(protocol.Encode(protocol.Noop{}, 1)))
	_, err = c.ReadReply(protocol.Noop{}, 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestStreamPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Close()
	}()

	c, err := Dial(context.Background(), ModeStream, ln.Addr().String(), DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	_ = c.WriteMessage(protocol.Encode(protocol.Noop{}, 1))
	_, err = c.ReadReply(protocol.Noop{}, 1)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestStreamProtocolErrorKeepsClass(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		garbage := make([]byte, protocol.HeaderLen)
		garbage[0] = 0x13
		c.Write(garbage)
		time.Sleep(100 * time.Millisecond)
	}()

	c, err := Dial(context.Background(), ModeStream, ln.Addr().String(), DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ReadReply(protocol.Noop{}, 1)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), ModeStream, addr, DefaultOptions())
	assert.ErrorIs(t, err, ErrTransport)
}

// serveDatagram は応答を小さなデータグラムに分割し、逆順で送り返すUDPサーバを起動する
// 応答の前に古いリクエストIDの断片も送る
func serveDatagram(t *testing.T, size int) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			h, err := protocol.ParseDatagramHeader(buf[:n])
			if err != nil {
				continue
			}
			f, _, err := protocol.Decode(buf[protocol.DatagramHeaderLen:n])
			if err != nil {
				continue
			}
			resp := protocol.AppendResponse(nil, f.Opcode, protocol.StatusOK, f.Opaque, 0, make([]byte, 4), "", make([]byte, 200))
			grams, _ := protocol.SplitDatagrams(h.RequestID, resp, size)

			stale, _ := protocol.SplitDatagrams(h.RequestID-1, resp, size)
			pc.WriteTo(stale[0], from)
			for i := len(grams) - 1; i >= 0; i-- {
				pc.WriteTo(grams[i], from)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestDatagramReassemblesOutOfOrder(t *testing.T) {
	addr := serveDatagram(t, 64)

	opts := DefaultOptions()
	opts.Timeout = time.Second
	c, err := Dial(context.Background(), ModeDatagram, addr, opts)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ModeDatagram, c.Mode())

	for i := range 3 {
		get := protocol.Get{Key: "k"}
		require.NoError(t, c.WriteMessage(protocol.Encode(get, uint32(i))))
		reply, err := c.ReadReply(get, uint32(i))
		require.NoError(t, err)
		assert.Len(t, reply.Value, 200)
	}
}

func TestDatagramTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), ModeDatagram, pc.LocalAddr().String(), opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(protocol.Encode(protocol.Noop{}, 1)))
	_, err = c.ReadReply(protocol.Noop{}, 1)
	assert.ErrorIs(t, err, ErrTimeout)
}
