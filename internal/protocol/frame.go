package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol は不正または切り詰められたフレームのエラー
var ErrProtocol = errors.New("protocol error")

const (
	// HeaderLen はフレームヘッダのバイト数
	HeaderLen = 24
	// MaxBodyLen は受け付けるボディ長の上限
	MaxBodyLen = 16 << 20

	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// Opcode はコマンド種別
type Opcode uint8

const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpNoop      Opcode = 0x0a
	OpGetKQ     Opcode = 0x0d
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	case OpIncrement:
		return "INCREMENT"
	case OpNoop:
		return "NOOP"
	case OpGetKQ:
		return "GETKQ"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", uint8(o))
	}
}

// Status はレスポンスのステータスコード
type Status uint16

const (
	StatusOK             Status = 0x0000
	StatusKeyNotFound    Status = 0x0001
	StatusKeyExists      Status = 0x0002
	StatusValueTooLarge  Status = 0x0003
	StatusInvalidArgs    Status = 0x0004
	StatusNotStored      Status = 0x0005
	StatusNonNumeric     Status = 0x0006
	StatusUnknownCommand Status = 0x0081
	StatusOutOfMemory    Status = 0x0082
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusKeyNotFound:
		return "KEY_NOT_FOUND"
	case StatusKeyExists:
		return "KEY_EXISTS"
	case StatusValueTooLarge:
		return "VALUE_TOO_LARGE"
	case StatusInvalidArgs:
		return "INVALID_ARGUMENTS"
	case StatusNotStored:
		return "NOT_STORED"
	case StatusNonNumeric:
		return "NON_NUMERIC"
	case StatusUnknownCommand:
		return "UNKNOWN_COMMAND"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	default:
		return fmt.Sprintf("STATUS(0x%04x)", uint16(s))
	}
}

// IsError はサーバ側の処理失敗を示すステータスかを返す
// ミスや既存キーなどキャッシュとして正常な応答はfalse
func (s Status) IsError() bool {
	switch s {
	case StatusOK, StatusKeyNotFound, StatusKeyExists, StatusNotStored, StatusNonNumeric:
		return false
	default:
		return true
	}
}

// Header はフレームヘッダ
type Header struct {
	Magic     byte
	Opcode    Opcode
	KeyLen    uint16
	ExtrasLen uint8
	DataType  uint8
	Status    Status // リクエストではvbucket id
	BodyLen   uint32
	Opaque    uint32
	CAS       uint64
}

// Append はヘッダをbに追加する
func (h Header) Append(b []byte) []byte {
	b = append(b, h.Magic, byte(h.Opcode))
	b = binary.BigEndian.AppendUint16(b, h.KeyLen)
	b = append(b, h.ExtrasLen, h.DataType)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Status))
	b = binary.BigEndian.AppendUint32(b, h.BodyLen)
	b = binary.BigEndian.AppendUint32(b, h.Opaque)
	b = binary.BigEndian.AppendUint64(b, h.CAS)
	return b
}

// ParseHeader はヘッダを解析し、長さフィールドの整合性を検証する
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header truncated (%d bytes)", ErrProtocol, len(b))
	}
	h := Header{
		Magic:     b[0],
		Opcode:    Opcode(b[1]),
		KeyLen:    binary.BigEndian.Uint16(b[2:4]),
		ExtrasLen: b[4],
		DataType:  b[5],
		Status:    Status(binary.BigEndian.Uint16(b[6:8])),
		BodyLen:   binary.BigEndian.Uint32(b[8:12]),
		Opaque:    binary.BigEndian.Uint32(b[12:16]),
		CAS:       binary.BigEndian.Uint64(b[16:24]),
	}
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return h, fmt.Errorf("%w: bad magic 0x%02x", ErrProtocol, h.Magic)
	}
	if uint32(h.KeyLen)+uint32(h.ExtrasLen) > h.BodyLen {
		return h, fmt.Errorf("%w: key+extras length %d exceeds body length %d",
			ErrProtocol, uint32(h.KeyLen)+uint32(h.ExtrasLen), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return h, fmt.Errorf("%w: body length %d too large", ErrProtocol, h.BodyLen)
	}
	return h, nil
}

// Frame は解析済みのフレーム
// Extras, Key, Value は読み込みバッファを参照する
type Frame struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

func splitBody(h Header, body []byte) Frame {
	e := int(h.ExtrasLen)
	k := e + int(h.KeyLen)
	return Frame{
		Header: h,
		Extras: body[:e],
		Key:    body[e:k],
		Value:  body[k:],
	}
}

// Decode はbの先頭のフレームを解析し、消費したバイト数を返す
func Decode(b []byte) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	end := HeaderLen + int(h.BodyLen)
	if len(b) < end {
		return Frame{}, 0, fmt.Errorf("%w: body truncated (have %d of %d bytes)", ErrProtocol, len(b)-HeaderLen, h.BodyLen)
	}
	return splitBody(h, b[HeaderLen:end]), end, nil
}

// DecodeResponse はレスポンスフレームを解析する
func DecodeResponse(b []byte) (Frame, int, error) {
	f, n, err := Decode(b)
	if err != nil {
		return f, n, err
	}
	if f.Magic != MagicResponse {
		return Frame{}, 0, fmt.Errorf("%w: expected response magic, got 0x%02x", ErrProtocol, f.Magic)
	}
	return f, n, nil
}

// ReadFrame はrから1フレームを読み込む
// bufは再利用され、拡張された場合は新しいバッファを返す
// 読み込み途中の切断はio.ErrUnexpectedEOFとして返す
func ReadFrame(r io.Reader, buf []byte, magic byte) (Frame, []byte, error) {
	if cap(buf) < HeaderLen {
		buf = make([]byte, HeaderLen, 4096)
	}
	buf = buf[:HeaderLen]
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, buf, err
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, buf, err
	}
	if h.Magic != magic {
		return Frame{}, buf, fmt.Errorf("%w: expected magic 0x%02x, got 0x%02x", ErrProtocol, magic, h.Magic)
	}

	n := int(h.BodyLen)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	body := buf[:n]
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, buf, err
	}
	return splitBody(h, body), buf, nil
}

// ReadResponse はrからレスポンスフレームを1つ読み込む
func ReadResponse(r io.Reader, buf []byte) (Frame, []byte, error) {
	return ReadFrame(r, buf, MagicResponse)
}

// ReadRequest はrからリクエストフレームを1つ読み込む
func ReadRequest(r io.Reader, buf []byte) (Frame, []byte, error) {
	return ReadFrame(r, buf, MagicRequest)
}

// appendFrame はヘッダとボディを持つフレームをbに追加する
func appendFrame(b []byte, magic byte, op Opcode, status Status, opaque uint32, cas uint64, extras []byte, key string, value []byte) []byte {
	h := Header{
		Magic:     magic,
		Opcode:    op,
		KeyLen:    uint16(len(key)),
		ExtrasLen: uint8(len(extras)),
		Status:    status,
		BodyLen:   uint32(len(extras) + len(key) + len(value)),
		Opaque:    opaque,
		CAS:       cas,
	}
	b = h.Append(b)
	b = append(b, extras...)
	b = append(b, key...)
	return append(b, value...)
}

// AppendRequest は任意のリクエストフレームをbに追加する
func AppendRequest(b []byte, op Opcode, opaque uint32, extras []byte, key string, value []byte) []byte {
	return appendFrame(b, MagicRequest, op, 0, opaque, 0, extras, key, value)
}

// AppendResponse はレスポンスフレームをbに追加する
func AppendResponse(b []byte, op Opcode, status Status, opaque uint32, cas uint64, extras []byte, key string, value []byte) []byte {
	return appendFrame(b, MagicResponse, op, status, opaque, cas, extras, key, value)
}
