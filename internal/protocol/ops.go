package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind は操作の種類
type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindDelete
	KindIncrement
	KindMultiGet
	KindNoop
	// NumKinds は操作の種類数
	NumKinds
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindSet:
		return "set"
	case KindDelete:
		return "delete"
	case KindIncrement:
		return "incr"
	case KindMultiGet:
		return "multiget"
	case KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Kinds は全ての操作種類を返す
func Kinds() []Kind {
	kinds := make([]Kind, NumKinds)
	for i := range NumKinds {
		kinds[i] = i
	}
	return kinds
}

// Operation はリクエストの種類ごとの実装
type Operation interface {
	// Kind は操作の種類を返す
	Kind() Kind
	// Append はリクエストフレームをbに追加する
	Append(b []byte, opaque uint32) []byte
	// Terminated は応答がNOOPで終端されるかを返す
	Terminated() bool
}

// Get は単一キーの取得
type Get struct {
	Key string
}

func (Get) Kind() Kind       { return KindGet }
func (Get) Terminated() bool { return false }
func (o Get) Append(b []byte, opaque uint32) []byte {
	return AppendRequest(b, OpGet, opaque, nil, o.Key, nil)
}

// Set は値の書き込み
type Set struct {
	Key    string
	Value  []byte
	Flags  uint32
	Expiry uint32
}

func (Set) Kind() Kind       { return KindSet }
func (Set) Terminated() bool { return false }
func (o Set) Append(b []byte, opaque uint32) []byte {
	var extras [8]byte
	binary.BigEndian.PutUint32(extras[0:4], o.Flags)
	binary.BigEndian.PutUint32(extras[4:8], o.Expiry)
	return AppendRequest(b, OpSet, opaque, extras[:], o.Key, o.Value)
}

// Delete はキーの削除
type Delete struct {
	Key string
}

func (Delete) Kind() Kind       { return KindDelete }
func (Delete) Terminated() bool { return false }
func (o Delete) Append(b []byte, opaque uint32) []byte {
	return AppendRequest(b, OpDelete, opaque, nil, o.Key, nil)
}

// Increment はカウンタの加算
type Increment struct {
	Key     string
	Delta   uint64
	Initial uint64
	Expiry  uint32
}

func (Increment) Kind() Kind       { return KindIncrement }
func (Increment) Terminated() bool { return false }
func (o Increment) Append(b []byte, opaque uint32) []byte {
	var extras [20]byte
	binary.BigEndian.PutUint64(extras[0:8], o.Delta)
	binary.BigEndian.PutUint64(extras[8:16], o.Initial)
	binary.BigEndian.PutUint32(extras[16:20], o.Expiry)
	return AppendRequest(b, OpIncrement, opaque, extras[:], o.Key, nil)
}

// MultiGet は複数キーの取得
// キーごとのGETKQと終端のNOOPが同じopaqueを共有する
type MultiGet struct {
	Keys []string
}

func (MultiGet) Kind() Kind       { return KindMultiGet }
func (MultiGet) Terminated() bool { return true }
func (o MultiGet) Append(b []byte, opaque uint32) []byte {
	for _, k := range o.Keys {
		b = AppendRequest(b, OpGetKQ, opaque, nil, k, nil)
	}
	return AppendRequest(b, OpNoop, opaque, nil, "", nil)
}

// Noop は何もしないリクエスト
type Noop struct{}

func (Noop) Kind() Kind       { return KindNoop }
func (Noop) Terminated() bool { return false }
func (Noop) Append(b []byte, opaque uint32) []byte {
	return AppendRequest(b, OpNoop, opaque, nil, "", nil)
}

// Encode は操作をエンコードする
func Encode(op Operation, opaque uint32) []byte {
	return op.Append(nil, opaque)
}

// Reply は1つの操作に対する応答の要約
type Reply struct {
	Status  Status
	Value   []byte // 読み込みバッファを参照する
	Flags   uint32
	CAS     uint64
	Counter uint64
	Hits    int
	Misses  int
}

// ReadReply はopに対する応答をrから読み込む
// ストリームでは応答は送信順に届くため、opaqueが一致しない応答はErrProtocolとなる
func ReadReply(r io.Reader, op Operation, opaque uint32, buf []byte) (Reply, []byte, error) {
	var reply Reply
	for {
		f, nbuf, err := ReadResponse(r, buf)
		buf = nbuf
		if err != nil {
			return reply, buf, err
		}
		if f.Opaque != opaque {
			return reply, buf, fmt.Errorf("%w: opaque mismatch (want %d, got %d)", ErrProtocol, opaque, f.Opaque)
		}

		if !op.Terminated() {
			reply, err = single(op, f)
			return reply, buf, err
		}

		switch f.Opcode {
		case OpNoop:
			if mg, ok := op.(MultiGet); ok {
				reply.Misses = len(mg.Keys) - reply.Hits
			}
			reply.Status = f.Status
			return reply, buf, nil
		case OpGetKQ:
			if f.Status == StatusOK {
				reply.Hits++
			}
		default:
			return reply, buf, fmt.Errorf("%w: unexpected %s in multi-get reply", ErrProtocol, f.Opcode)
		}
	}
}

// DecodeReply はデータグラムで受信した完全なメッセージから応答を解析する
func DecodeReply(msg []byte, op Operation, opaque uint32) (Reply, error) {
	reply, _, err := ReadReply(bytes.NewReader(msg), op, opaque, nil)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return reply, fmt.Errorf("%w: message truncated", ErrProtocol)
	}
	return reply, err
}

func single(op Operation, f Frame) (Reply, error) {
	want := opcodeFor(op.Kind())
	if f.Opcode != want {
		return Reply{}, fmt.Errorf("%w: expected %s response, got %s", ErrProtocol, want, f.Opcode)
	}

	reply := Reply{Status: f.Status, CAS: f.CAS}
	switch op.Kind() {
	case KindGet:
		if f.Status == StatusOK {
			reply.Hits = 1
			reply.Value = f.Value
			if len(f.Extras) >= 4 {
				reply.Flags = binary.BigEndian.Uint32(f.Extras)
			}
		} else if f.Status == StatusKeyNotFound {
			reply.Misses = 1
		}
	case KindIncrement:
		if f.Status == StatusOK {
			if len(f.Value) != 8 {
				return reply, fmt.Errorf("%w: increment value length %d", ErrProtocol, len(f.Value))
			}
			reply.Counter = binary.BigEndian.Uint64(f.Value)
		}
	}
	return reply, nil
}

func opcodeFor(k Kind) Opcode {
	switch k {
	case KindGet:
		return OpGet
	case KindSet:
		return OpSet
	case KindDelete:
		return OpDelete
	case KindIncrement:
		return OpIncrement
	case KindMultiGet:
		return OpGetKQ
	default:
		return OpNoop
	}
}
