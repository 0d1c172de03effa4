package proto

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasir-db/kvasir/lib/engine/value"
)

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		{Op: OpGet, Key: "user:1"},
		{Op: OpDel, Key: "user:1"},
		{Op: OpExists, Key: "user:1"},
		{Op: OpSet, Key: "k", TTL: 5 * time.Second, Value: value.NewString("v")},
		{Op: OpSetNX, Key: "k", Value: value.NewList(value.NewInt(1), value.Null())},
		{Op: OpIncr, Key: "counter", Delta: 42},
		{Op: OpDecr, Key: "counter", Delta: -7},
		{Op: OpLock, Key: "job", Owner: "worker-1", TTL: 30 * time.Second},
		{Op: OpExtend, Key: "job", Owner: "worker-1", TTL: time.Minute},
		{Op: OpUnlock, Key: "job", Owner: "worker-1"},
		{Op: OpMGet, Keys: []string{"a", "b", "c"}},
		{Op: OpMDel, Keys: []string{"a", "b"}},
		{Op: OpMSet, TTL: time.Second, Pairs: []Pair{
			{Key: "a", Value: value.NewInt(1)},
			{Key: "b", Value: value.NewMap(map[string]value.Value{"x": value.NewFloat(1.5)})},
		}},
		{Op: OpPing},
		{Op: OpInfo},
	}

	for _, want := range requests {
		t.Run(want.Op.String(), func(t *testing.T) {
			payload := AppendRequest(nil, want)
			got, err := DecodeRequest(want.Op, payload)
			require.NoError(t, err)

			assert.Equal(t, want.Op, got.Op)
			assert.Equal(t, want.Key, got.Key)
			assert.Equal(t, want.Owner, got.Owner)
			assert.Equal(t, want.TTL, got.TTL)
			assert.Equal(t, want.Delta, got.Delta)
			assert.True(t, want.Value.Equal(got.Value))
			require.Len(t, got.Keys, len(want.Keys))
			for i := range want.Keys {
				assert.Equal(t, want.Keys[i], got.Keys[i])
			}
			require.Len(t, got.Pairs, len(want.Pairs))
			for i := range want.Pairs {
				assert.Equal(t, want.Pairs[i].Key, got.Pairs[i].Key)
				assert.True(t, want.Pairs[i].Value.Equal(got.Pairs[i].Value))
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Op: OpSet, Key: "k", Value: value.NewBytes([]byte{0, 1, 2})}
	require.NoError(t, WriteRequest(&buf, req))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(OpSet), kind)

	got, err := DecodeRequest(Op(kind), payload)
	require.NoError(t, err)
	assert.Equal(t, "k", got.Key)
	assert.True(t, req.Value.Equal(got.Value))
}

func TestReadFrameRejectsOversizedLengthBeforeAllocating(t *testing.T) {
	// a header claiming 4 GiB, followed by nothing
	frame := []byte{byte(OpGet), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := ReadFrame(bytes.NewReader(frame))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "exceeds")
}

func TestKeyValidation(t *testing.T) {
	assert.NoError(t, ValidateKey("user:42"))
	assert.NoError(t, ValidateKey(strings.Repeat("k", MaxKeyLen)))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey(strings.Repeat("k", MaxKeyLen+1)))
	assert.Error(t, ValidateKey("bad\xff\xfe"))
}

func TestDecodeRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "\xff\xfe"} {
		payload := AppendRequest(nil, Request{Op: OpGet, Key: key})
		_, err := DecodeRequest(OpGet, payload)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, "key %q", key)
	}
}

func TestDecodeRejectsEmptyOwner(t *testing.T) {
	for _, op := range []Op{OpLock, OpUnlock, OpExtend} {
		payload := AppendRequest(nil, Request{Op: op, Key: "job", Owner: ""})
		_, err := DecodeRequest(op, payload)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr, "op %s", op)
		assert.Contains(t, perr.Reason, "owner")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	payload := AppendRequest(nil, Request{Op: OpGet, Key: "k"})
	payload = append(payload, 0xAA)
	_, err := DecodeRequest(OpGet, payload)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "trailing")
}

func TestDecodeRejectsTruncatedPayloads(t *testing.T) {
	full := AppendRequest(nil, Request{Op: OpLock, Key: "job", Owner: "w", TTL: time.Second})
	for cut := 1; cut < len(full); cut++ {
		_, err := DecodeRequest(OpLock, full[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestDecodeRejectsLyingElementCount(t *testing.T) {
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF} // count says 4 billion keys
	_, err := DecodeRequest(OpMGet, payload)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestUnknownOpcode(t *testing.T) {
	assert.False(t, Op(0x00).Known())
	assert.False(t, Op(0x42).Known())
	assert.True(t, OpCAS.Known())
	_, err := DecodeRequest(Op(0x42), nil)
	assert.Error(t, err)
}

func TestBoolPayload(t *testing.T) {
	for _, b := range []bool{true, false} {
		got, err := DecodeBool(BoolPayload(b))
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	_, err := DecodeBool([]byte{0x02})
	assert.Error(t, err)
	_, err = DecodeBool(nil)
	assert.Error(t, err)
}

func TestIntPayload(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 1<<62 - 1, -(1 << 62)} {
		got, err := DecodeInt(IntPayload(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestValuePayload(t *testing.T) {
	v := value.NewMap(map[string]value.Value{
		"n":   value.Null(),
		"s":   value.NewString("x"),
		"dec": value.MustDecimal("-12.50"),
	})
	got, err := DecodeValue(ValuePayload(v))
	require.NoError(t, err)
	assert.True(t, v.Equal(got))

	_, err = DecodeValue([]byte{0xEE})
	assert.Error(t, err)
}

func TestMGetPayload(t *testing.T) {
	one := value.NewInt(1)
	three := value.NewString("three")
	results := []*value.Value{&one, nil, &three}

	got, err := DecodeMGet(MGetPayload(results))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, one.Equal(*got[0]))
	assert.Nil(t, got[1])
	assert.True(t, three.Equal(*got[2]))

	// empty result set
	got, err = DecodeMGet(MGetPayload(nil))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = DecodeMGet([]byte{0, 0, 0, 1, 0x07})
	assert.Error(t, err)
}

func TestStatusAndOpStrings(t *testing.T) {
	assert.Equal(t, "GET", OpGet.String())
	assert.Equal(t, "MDEL", OpMDel.String())
	assert.Equal(t, "OP(0xFF)", Op(0xFF).String())
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "CAS_FAILED", StatusCASFailed.String())
}
