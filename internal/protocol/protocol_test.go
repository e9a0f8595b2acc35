package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLayout(t *testing.T) {
	b := Set{Key: "abc", Value: []byte("hello"), Flags: 7, Expiry: 60}.Append(nil, 0xdeadbeef)

	require.Len(t, b, HeaderLen+8+3+5)
	assert.Equal(t, MagicRequest, b[0])
	assert.Equal(t, byte(OpSet), b[1])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(b[2:4]))
	assert.Equal(t, byte(8), b[4])
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(b[12:16]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[24:28]))
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(b[28:32]))
	assert.Equal(t, "abc", string(b[32:35]))
	assert.Equal(t, "hello", string(b[35:]))
}

func TestRequestRoundTrip(t *testing.T) {
	ops := []Operation{
		Get{Key: "k1"},
		Set{Key: "k2", Value: bytes.Repeat([]byte{'x'}, 64)},
		Delete{Key: "k3"},
		Increment{Key: "k4", Delta: 1},
		Noop{},
	}

	for i, op := range ops {
		b := Encode(op, uint32(i))
		f, rest, err := ReadRequest(bytes.NewReader(b), nil)
		require.NoError(t, err, op.Kind().String())
		assert.Equal(t, opcodeFor(op.Kind()), f.Opcode)
		assert.Equal(t, uint32(i), f.Opaque)
		assert.NotNil(t, rest)
	}
}

func TestMultiGetEncoding(t *testing.T) {
	b := Encode(MultiGet{Keys: []string{"a", "bb", "ccc"}}, 9)

	var opcodes []Opcode
	for len(b) > 0 {
		f, n, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, uint32(9), f.Opaque)
		opcodes = append(opcodes, f.Opcode)
		b = b[n:]
	}
	assert.Equal(t, []Opcode{OpGetKQ, OpGetKQ, OpGetKQ, OpNoop}, opcodes)
}

func TestGetReplyRoundTrip(t *testing.T) {
	value := []byte("payload-64")
	flags := binary.BigEndian.AppendUint32(nil, 3)

	var stream []byte
	stream = AppendResponse(stream, OpSet, StatusOK, 1, 100, nil, "", nil)
	stream = AppendResponse(stream, OpGet, StatusOK, 2, 100, flags, "", value)

	r := bufio.NewReader(bytes.NewReader(stream))
	set, buf, err := ReadReply(r, Set{Key: "k", Value: value}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, set.Status)

	get, _, err := ReadReply(r, Get{Key: "k"}, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, get.Status)
	assert.Equal(t, value, get.Value)
	assert.Equal(t, uint32(3), get.Flags)
	assert.Equal(t, 1, get.Hits)
}

func TestGetMissReply(t *testing.T) {
	b := AppendResponse(nil, OpGet, StatusKeyNotFound, 5, 0, nil, "", []byte("Not found"))
	reply, err := DecodeReply(b, Get{Key: "missing"}, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusKeyNotFound, reply.Status)
	assert.Equal(t, 1, reply.Misses)
	assert.False(t, reply.Status.IsError())
}

func TestMultiGetReply(t *testing.T) {
	var b []byte
	b = AppendResponse(b, OpGetKQ, StatusOK, 4, 0, make([]byte, 4), "a", []byte("1"))
	b = AppendResponse(b, OpGetKQ, StatusOK, 4, 0, make([]byte, 4), "c", []byte("3"))
	b = AppendResponse(b, OpNoop, StatusOK, 4, 0, nil, "", nil)

	reply, err := DecodeReply(b, MultiGet{Keys: []string{"a", "b", "c", "d"}}, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Hits)
	assert.Equal(t, 2, reply.Misses)
}

func TestIncrementReply(t *testing.T) {
	b := AppendResponse(nil, OpIncrement, StatusOK, 1, 0, nil, "", binary.BigEndian.AppendUint64(nil, 42))
	reply, err := DecodeReply(b, Increment{Key: "n", Delta: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), reply.Counter)

	bad := AppendResponse(nil, OpIncrement, StatusOK, 1, 0, nil, "", []byte{1, 2})
	_, err = DecodeReply(bad, Increment{Key: "n"}, 1)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReplyMismatches(t *testing.T) {
	b := AppendResponse(nil, OpGet, StatusOK, 1, 0, nil, "", nil)

	_, err := DecodeReply(b, Get{Key: "k"}, 2)
	assert.ErrorIs(t, err, ErrProtocol, "opaque mismatch")

	_, err = DecodeReply(b, Delete{Key: "k"}, 1)
	assert.ErrorIs(t, err, ErrProtocol, "opcode mismatch")

	_, err = DecodeReply(b, MultiGet{Keys: []string{"k"}}, 1)
	assert.ErrorIs(t, err, ErrProtocol, "unexpected opcode in multi-get")
}

func TestDecodeMalformed(t *testing.T) {
	good := AppendResponse(nil, OpGet, StatusOK, 1, 0, []byte{0, 0, 0, 0}, "", []byte("value"))

	_, _, err := DecodeResponse(good[:10])
	assert.ErrorIs(t, err, ErrProtocol, "short header")

	_, _, err = DecodeResponse(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrProtocol, "short body")

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0x42
	_, _, err = DecodeResponse(badMagic)
	assert.ErrorIs(t, err, ErrProtocol)

	inconsistent := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(inconsistent[2:4], 100)
	_, _, err = DecodeResponse(inconsistent)
	assert.ErrorIs(t, err, ErrProtocol, "key length beyond body")

	request := Encode(Get{Key: "k"}, 1)
	_, _, err = DecodeResponse(request)
	assert.ErrorIs(t, err, ErrProtocol, "request magic")

	_, err = DecodeReply(good[:len(good)-2], Get{Key: "k"}, 1)
	assert.ErrorIs(t, err, ErrProtocol, "truncated message")

	f, n, err := DecodeResponse(good)
	require.NoError(t, err)
	assert.Equal(t, len(good), n)
	assert.Equal(t, "value", string(f.Value))
}

func TestReadFrameTruncatedStream(t *testing.T) {
	good := AppendResponse(nil, OpGet, StatusOK, 1, 0, nil, "", []byte("value"))

	_, _, err := ReadResponse(bytes.NewReader(good[:HeaderLen+2]), nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = ReadResponse(bytes.NewReader(nil), nil)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStatusIsError(t *testing.T) {
	assert.False(t, StatusOK.IsError())
	assert.False(t, StatusNotStored.IsError())
	assert.True(t, StatusUnknownCommand.IsError())
	assert.True(t, Status(0x99).IsError())
	assert.Equal(t, "KEY_NOT_FOUND", StatusKeyNotFound.String())
}

func TestKindNames(t *testing.T) {
	names := map[string]bool{}
	for _, k := range Kinds() {
		names[k.String()] = true
	}
	assert.Len(t, names, int(NumKinds))
	assert.False(t, names["unknown"])
}

func TestSplitDatagrams(t *testing.T) {
	msg := bytes.Repeat([]byte("0123456789"), 100)

	grams, err := SplitDatagrams(77, msg, 108)
	require.NoError(t, err)
	require.Len(t, grams, 10)

	for i, g := range grams {
		h, err := ParseDatagramHeader(g)
		require.NoError(t, err)
		assert.Equal(t, uint16(77), h.RequestID)
		assert.Equal(t, uint16(i), h.Seq)
		assert.Equal(t, uint16(10), h.Total)
		assert.LessOrEqual(t, len(g), 108)
	}

	empty, err := SplitDatagrams(1, nil, DefaultDatagramSize)
	require.NoError(t, err)
	assert.Len(t, empty, 1)

	_, err = SplitDatagrams(1, msg, DatagramHeaderLen)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReassembleOutOfOrder(t *testing.T) {
	var msg []byte
	msg = AppendResponse(msg, OpGet, StatusOK, 3, 0, make([]byte, 4), "", bytes.Repeat([]byte{'v'}, 3000))

	grams, err := SplitDatagrams(12, msg, DefaultDatagramSize)
	require.NoError(t, err)
	require.Greater(t, len(grams), 2)

	r := NewReassembler()
	now := time.Now()
	order := []int{2, 0, 0, 1}
	for i, idx := range order {
		id, got, complete, err := r.Add(grams[idx], now)
		require.NoError(t, err)
		assert.Equal(t, uint16(12), id)
		if i < len(order)-1 {
			assert.False(t, complete)
			continue
		}
		require.True(t, complete)
		assert.Equal(t, msg, got)

		reply, err := DecodeReply(got, Get{Key: "k"}, 3)
		require.NoError(t, err)
		assert.Len(t, reply.Value, 3000)
	}
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerCopiesInput(t *testing.T) {
	grams, err := SplitDatagrams(1, []byte("abcdef"), DatagramHeaderLen+3)
	require.NoError(t, err)

	r := NewReassembler()
	buf := append([]byte(nil), grams[0]...)
	_, _, _, err = r.Add(buf, time.Now())
	require.NoError(t, err)
	copy(buf[DatagramHeaderLen:], "zzz")

	_, msg, complete, err := r.Add(grams[1], time.Now())
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "abcdef", string(msg))
}

func TestReassemblerExpireAndErrors(t *testing.T) {
	grams, err := SplitDatagrams(5, bytes.Repeat([]byte{1}, 100), 50)
	require.NoError(t, err)

	r := NewReassembler()
	start := time.Now()
	_, _, complete, err := r.Add(grams[0], start)
	require.NoError(t, err)
	require.False(t, complete)
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 0, r.Expire(start))
	assert.Equal(t, 1, r.Expire(start.Add(time.Second)))
	assert.Equal(t, 0, r.Pending())

	_, _, _, err = r.Add([]byte{0, 1}, start)
	assert.ErrorIs(t, err, ErrProtocol)

	bad := DatagramHeader{RequestID: 1, Seq: 3, Total: 2}.Append(nil)
	_, _, _, err = r.Add(bad, start)
	assert.ErrorIs(t, err, ErrProtocol)

	_, _, _, err = r.Add(grams[0], start)
	require.NoError(t, err)
	changed := DatagramHeader{RequestID: 5, Seq: 0, Total: 7}.Append(nil)
	_, _, _, err = r.Add(changed, start)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 0, r.Pending())
}
