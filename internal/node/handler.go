package node

import (
	"encoding/binary"
	"strconv"

	"cacheload/internal/protocol"
)

var notFound = []byte("Not found")

// incrementNoCreate は存在しないキーを作成しないことを示す有効期限
const incrementNoCreate = 0xffffffff

// process は1フレームを処理し、応答をoutに追加する
func (n *Node) process(f protocol.Frame, out []byte) []byte {
	key := string(f.Key)

	switch f.Opcode {
	case protocol.OpGet, protocol.OpGetKQ:
		it, ok := n.lookup(key)
		if !ok {
			if f.Opcode == protocol.OpGetKQ {
				return out
			}
			return protocol.AppendResponse(out, f.Opcode, protocol.StatusKeyNotFound, f.Opaque, 0, nil, "", notFound)
		}
		var extras [4]byte
		binary.BigEndian.PutUint32(extras[:], it.flags)
		respKey := ""
		if f.Opcode == protocol.OpGetKQ {
			respKey = key
		}
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusOK, f.Opaque, it.cas, extras[:], respKey, it.value)

	case protocol.OpSet:
		if len(f.Extras) != 8 {
			return protocol.AppendResponse(out, f.Opcode, protocol.StatusInvalidArgs, f.Opaque, 0, nil, "", nil)
		}
		cas := n.store(key, f.Value, binary.BigEndian.Uint32(f.Extras[0:4]))
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusOK, f.Opaque, cas, nil, "", nil)

	case protocol.OpDelete:
		if !n.remove(key) {
			return protocol.AppendResponse(out, f.Opcode, protocol.StatusKeyNotFound, f.Opaque, 0, nil, "", notFound)
		}
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusOK, f.Opaque, 0, nil, "", nil)

	case protocol.OpIncrement:
		if len(f.Extras) != 20 {
			return protocol.AppendResponse(out, f.Opcode, protocol.StatusInvalidArgs, f.Opaque, 0, nil, "", nil)
		}
		delta := binary.BigEndian.Uint64(f.Extras[0:8])
		initial := binary.BigEndian.Uint64(f.Extras[8:16])
		expiry := binary.BigEndian.Uint32(f.Extras[16:20])
		value, cas, status := n.increment(key, delta, initial, expiry != incrementNoCreate)
		if status != protocol.StatusOK {
			return protocol.AppendResponse(out, f.Opcode, status, f.Opaque, 0, nil, "", nil)
		}
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusOK, f.Opaque, cas, nil, "", binary.BigEndian.AppendUint64(nil, value))

	case protocol.OpNoop:
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusOK, f.Opaque, 0, nil, "", nil)

	default:
		return protocol.AppendResponse(out, f.Opcode, protocol.StatusUnknownCommand, f.Opaque, 0, nil, "", nil)
	}
}

func (n *Node) lookup(key string) (item, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	it, ok := n.data[key]
	return it, ok
}

func (n *Node) store(key string, value []byte, flags uint32) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cas++
	n.data[key] = item{value: append([]byte(nil), value...), flags: flags, cas: n.cas}
	return n.cas
}

func (n *Node) remove(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.data[key]
	delete(n.data, key)
	return ok
}

// increment は10進数として保存された値に加算する
func (n *Node) increment(key string, delta, initial uint64, create bool) (uint64, uint64, protocol.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	it, ok := n.data[key]
	var value uint64
	if !ok {
		if !create {
			return 0, 0, protocol.StatusKeyNotFound
		}
		value = initial
	} else {
		current, err := strconv.ParseUint(string(it.value), 10, 64)
		if err != nil {
			return 0, 0, protocol.StatusNonNumeric
		}
		value = current + delta
	}

	n.cas++
	n.data[key] = item{value: strconv.AppendUint(nil, value, 10), flags: it.flags, cas: n.cas}
	return value, n.cas, protocol.StatusOK
}
