package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DatagramHeaderLen はUDPフレームヘッダのバイト数
	DatagramHeaderLen = 8
	// DefaultDatagramSize はmemcachedが使うデータグラムの最大サイズ
	DefaultDatagramSize = 1400
)

// DatagramHeader はUDPフレームヘッダ
type DatagramHeader struct {
	RequestID uint16
	Seq       uint16
	Total     uint16
	Reserved  uint16
}

// Append はヘッダをbに追加する
func (h DatagramHeader) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, h.RequestID)
	b = binary.BigEndian.AppendUint16(b, h.Seq)
	b = binary.BigEndian.AppendUint16(b, h.Total)
	return binary.BigEndian.AppendUint16(b, h.Reserved)
}

// ParseDatagramHeader はUDPフレームヘッダを解析する
func ParseDatagramHeader(b []byte) (DatagramHeader, error) {
	if len(b) < DatagramHeaderLen {
		return DatagramHeader{}, fmt.Errorf("%w: datagram header truncated (%d bytes)", ErrProtocol, len(b))
	}
	h := DatagramHeader{
		RequestID: binary.BigEndian.Uint16(b[0:2]),
		Seq:       binary.BigEndian.Uint16(b[2:4]),
		Total:     binary.BigEndian.Uint16(b[4:6]),
		Reserved:  binary.BigEndian.Uint16(b[6:8]),
	}
	if h.Total == 0 || h.Seq >= h.Total {
		return h, fmt.Errorf("%w: datagram sequence %d of %d", ErrProtocol, h.Seq, h.Total)
	}
	return h, nil
}

// SplitDatagrams はメッセージをフレームヘッダ付きのデータグラムに分割する
// maxSize はヘッダを含む1データグラムの最大バイト数
func SplitDatagrams(reqID uint16, msg []byte, maxSize int) ([][]byte, error) {
	if maxSize <= DatagramHeaderLen {
		return nil, fmt.Errorf("%w: datagram size %d too small", ErrProtocol, maxSize)
	}
	payload := maxSize - DatagramHeaderLen
	total := (len(msg) + payload - 1) / payload
	if total == 0 {
		total = 1
	}
	if total > 0xffff {
		return nil, fmt.Errorf("%w: message needs %d datagrams", ErrProtocol, total)
	}

	out := make([][]byte, 0, total)
	for seq := range total {
		start := seq * payload
		end := min(start+payload, len(msg))
		d := make([]byte, 0, DatagramHeaderLen+end-start)
		d = DatagramHeader{RequestID: reqID, Seq: uint16(seq), Total: uint16(total)}.Append(d)
		out = append(out, append(d, msg[start:end]...))
	}
	return out, nil
}

type partial struct {
	total   uint16
	frags   [][]byte
	got     int
	size    int
	started time.Time
}

// Reassembler は順不同に届いたデータグラムをリクエストIDごとに再構成する
// ゴルーチンセーフではなく、1つの接続を所有するワーカーが使う
type Reassembler struct {
	pending map[uint16]*partial
}

// NewReassembler は新しいReassemblerを作成する
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint16]*partial)}
}

// Add はデータグラムを追加する
// メッセージが揃った場合はcompleteがtrueとなり、連結したメッセージを返す
// 重複したデータグラムは無視する
func (r *Reassembler) Add(datagram []byte, now time.Time) (reqID uint16, msg []byte, complete bool, err error) {
	h, err := ParseDatagramHeader(datagram)
	if err != nil {
		return 0, nil, false, err
	}
	body := datagram[DatagramHeaderLen:]

	p, ok := r.pending[h.RequestID]
	if !ok {
		p = &partial{
			total:   h.Total,
			frags:   make([][]byte, h.Total),
			started: now,
		}
		r.pending[h.RequestID] = p
	} else if p.total != h.Total {
		delete(r.pending, h.RequestID)
		return h.RequestID, nil, false, fmt.Errorf("%w: request %d datagram count changed from %d to %d",
			ErrProtocol, h.RequestID, p.total, h.Total)
	}

	if p.frags[h.Seq] != nil {
		return h.RequestID, nil, false, nil
	}
	// 呼び出し側は受信バッファを再利用するためコピーする
	p.frags[h.Seq] = append(make([]byte, 0, len(body)), body...)
	p.got++
	p.size += len(body)

	if p.got < int(p.total) {
		return h.RequestID, nil, false, nil
	}

	delete(r.pending, h.RequestID)
	msg = make([]byte, 0, p.size)
	for _, f := range p.frags {
		msg = append(msg, f...)
	}
	return h.RequestID, msg, true, nil
}

// Discard は指定したリクエストIDの途中状態を破棄する
func (r *Reassembler) Discard(reqID uint16) {
	delete(r.pending, reqID)
}

// Expire はbeforeより前に開始した未完了のリクエストを破棄し、破棄した数を返す
func (r *Reassembler) Expire(before time.Time) int {
	n := 0
	for id, p := range r.pending {
		if p.started.Before(before) {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// Pending は未完了のリクエスト数を返す
func (r *Reassembler) Pending() int {
	return len(r.pending)
}
