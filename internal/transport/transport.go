package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"cacheload/internal/protocol"
)

var (
	// ErrTransport は送受信の失敗を表す
	ErrTransport = errors.New("transport error")
	// ErrTimeout は送受信のタイムアウトを表す
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)
)

// Mode は転送方式
type Mode int

const (
	ModeStream Mode = iota
	ModeDatagram
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "tcp"
	case ModeDatagram:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseMode は文字列から転送方式を取得する
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "tcp", "stream":
		return ModeStream, nil
	case "udp", "datagram":
		return ModeDatagram, nil
	default:
		return ModeStream, fmt.Errorf("unknown transport mode: %s", s)
	}
}

// Options は接続の設定
type Options struct {
	Timeout      time.Duration // 1回の送受信のタイムアウト
	Nagle        bool          // TCPでNagleアルゴリズムを有効にする
	DatagramSize int           // UDPデータグラムの最大サイズ
	BufferSize   int
}

// DefaultOptions はデフォルトの接続設定を返す
func DefaultOptions() Options {
	return Options{
		Timeout:      5 * time.Second,
		Nagle:        false,
		DatagramSize: protocol.DefaultDatagramSize,
		BufferSize:   64 * 1024,
	}
}

// Conn はサーバへの1本の接続
// 1つのワーカーが所有し、ゴルーチン間で共有しない
type Conn interface {
	// WriteMessage はエンコード済みのリクエストを全て送信する
	WriteMessage(msg []byte) error
	// ReadReply はopに対する応答を受信する
	ReadReply(op protocol.Operation, opaque uint32) (protocol.Reply, error)
	// Mode は転送方式を返す
	Mode() Mode
	// RemoteAddr は接続先を返す
	RemoteAddr() string
	Close() error
}

// Dial はaddrへの接続を確立する
func Dial(ctx context.Context, mode Mode, addr string, opts Options) (Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	d := net.Dialer{Timeout: opts.Timeout}
	switch mode {
	case ModeStream:
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, wrap("dial", err)
		}
		return newStreamConn(c, opts)
	case ModeDatagram:
		if opts.DatagramSize <= protocol.DatagramHeaderLen {
			opts.DatagramSize = protocol.DefaultDatagramSize
		}
		c, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return nil, wrap("dial", err)
		}
		return newDatagramConn(c, opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrTransport, mode)
	}
}

// wrap はネットワークエラーをErrTransportまたはErrTimeoutで包む
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, protocol.ErrProtocol) {
		return err
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
