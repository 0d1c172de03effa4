package proto

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/kvasir-db/kvasir/lib/engine/value"
)

// --------------------------------------------------------------------------
// Request Model
// --------------------------------------------------------------------------

// Pair is one key/value element of an MSET request.
type Pair struct {
	Key   string
	Value value.Value
}

// Request is the decoded form of one request frame. Only the fields the
// opcode uses are meaningful; the rest stay zero.
type Request struct {
	Op    Op
	Key   string
	Value value.Value
	TTL   time.Duration // 0 = no expiry
	Delta int64
	Owner string
	Keys  []string
	Pairs []Pair
}

// Payload layouts per opcode. Shared primitives: keys and owners are
// u16-length-prefixed strings, TTLs are u64 big-endian milliseconds,
// deltas i64 big-endian, element counts u32 big-endian.
//
//	GET, DEL, EXISTS      key
//	SET, SETNX            key, ttl, value
//	INCR, DECR            key, delta
//	LOCK, EXTEND          key, owner, ttl
//	UNLOCK                key, owner
//	MGET, MDEL            count, count * key
//	MSET                  ttl, count, count * (key, value)
//	PING, INFO, CAS       empty
//
// Responses carry: the value encoding for GET, a single 0x00/0x01 byte
// for boolean results, an i64 for arithmetic results and MDEL counts,
// `count * (flag byte, value-if-present)` for MGET, the bytes "PONG" for
// PING, a Map value for INFO, and a UTF-8 message for ERROR/INVALID.

// --------------------------------------------------------------------------
// Request Encoding
// --------------------------------------------------------------------------

// AppendRequest appends the payload for req to dst. It is the exact
// inverse of DecodeRequest.
func AppendRequest(dst []byte, req Request) []byte {
	switch req.Op {
	case OpGet, OpDel, OpExists:
		dst = appendString(dst, req.Key)
	case OpSet, OpSetNX:
		dst = appendString(dst, req.Key)
		dst = appendTTL(dst, req.TTL)
		dst = value.Encode(dst, req.Value)
	case OpIncr, OpDecr:
		dst = appendString(dst, req.Key)
		dst = binary.BigEndian.AppendUint64(dst, uint64(req.Delta))
	case OpLock, OpExtend:
		dst = appendString(dst, req.Key)
		dst = appendString(dst, req.Owner)
		dst = appendTTL(dst, req.TTL)
	case OpUnlock:
		dst = appendString(dst, req.Key)
		dst = appendString(dst, req.Owner)
	case OpMGet, OpMDel:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(req.Keys)))
		for _, k := range req.Keys {
			dst = appendString(dst, k)
		}
	case OpMSet:
		dst = appendTTL(dst, req.TTL)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(req.Pairs)))
		for _, p := range req.Pairs {
			dst = appendString(dst, p.Key)
			dst = value.Encode(dst, p.Value)
		}
	case OpPing, OpInfo, OpCAS:
		// no payload
	}
	return dst
}

// WriteRequest frames and writes one request.
func WriteRequest(w io.Writer, req Request) error {
	return WriteFrame(w, byte(req.Op), AppendRequest(nil, req))
}

// --------------------------------------------------------------------------
// Request Decoding
// --------------------------------------------------------------------------

// DecodeRequest parses the payload for op. Every key is validated here,
// at the boundary; trailing bytes make the request malformed.
func DecodeRequest(op Op, payload []byte) (Request, error) {
	req := Request{Op: op}
	d := decoder{b: payload}

	switch op {
	case OpGet, OpDel, OpExists:
		req.Key = d.key()
	case OpSet, OpSetNX:
		req.Key = d.key()
		req.TTL = d.ttl()
		req.Value = d.value()
	case OpIncr, OpDecr:
		req.Key = d.key()
		req.Delta = int64(d.u64())
	case OpLock, OpExtend:
		req.Key = d.key()
		req.Owner = d.owner()
		req.TTL = d.ttl()
	case OpUnlock:
		req.Key = d.key()
		req.Owner = d.owner()
	case OpMGet, OpMDel:
		n := d.count()
		req.Keys = make([]string, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			req.Keys = append(req.Keys, d.key())
		}
	case OpMSet:
		req.TTL = d.ttl()
		n := d.count()
		req.Pairs = make([]Pair, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			k := d.key()
			v := d.value()
			req.Pairs = append(req.Pairs, Pair{Key: k, Value: v})
		}
	case OpPing, OpInfo, OpCAS:
		// no payload; CAS is rejected later, after clean decode
	default:
		return req, protoErrf("unknown opcode 0x%02X", byte(op))
	}

	if d.err != nil {
		return req, d.err
	}
	if len(d.b) != 0 {
		return req, protoErrf("%s: %d trailing bytes", op, len(d.b))
	}
	return req, nil
}

// decoder consumes payload fields left to right, latching the first error.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 8 {
		d.err = protoErrf("truncated u64 field")
		return 0
	}
	v := binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *decoder) count() int {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.err = protoErrf("truncated count field")
		return 0
	}
	n := binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	// each element needs at least a length prefix
	if int(n) > len(d.b)/2+1 {
		d.err = protoErrf("element count %d exceeds payload", n)
		return 0
	}
	return int(n)
}

func (d *decoder) str(what string) string {
	if d.err != nil {
		return ""
	}
	if len(d.b) < 2 {
		d.err = protoErrf("truncated %s length", what)
		return ""
	}
	n := int(binary.BigEndian.Uint16(d.b))
	d.b = d.b[2:]
	if len(d.b) < n {
		d.err = protoErrf("truncated %s", what)
		return ""
	}
	s := string(d.b[:n])
	d.b = d.b[n:]
	return s
}

func (d *decoder) key() string {
	k := d.str("key")
	if d.err == nil {
		if err := ValidateKey(k); err != nil {
			d.err = err
		}
	}
	return k
}

// owner is a str that must be non-empty: the engine treats an empty owner
// as "no lock", so accepting one would confirm a lock that does not exist.
func (d *decoder) owner() string {
	o := d.str("owner")
	if d.err == nil && o == "" {
		d.err = protoErrf("empty owner")
	}
	return o
}

func (d *decoder) ttl() time.Duration {
	return time.Duration(d.u64()) * time.Millisecond
}

func (d *decoder) value() value.Value {
	if d.err != nil {
		return value.Value{}
	}
	v, n, err := value.Decode(d.b)
	if err != nil {
		d.err = protoErrf("bad value encoding: %v", err)
		return value.Value{}
	}
	d.b = d.b[n:]
	return v
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendTTL(dst []byte, ttl time.Duration) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(ttl/time.Millisecond))
}

// --------------------------------------------------------------------------
// Response Payloads
// --------------------------------------------------------------------------

// BoolPayload encodes a boolean result.
func BoolPayload(b bool) []byte {
	if b {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeBool parses a boolean result payload.
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) != 1 || payload[0] > 1 {
		return false, protoErrf("bad boolean payload")
	}
	return payload[0] == 1, nil
}

// IntPayload encodes an arithmetic result or a count.
func IntPayload(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

// DecodeInt parses an arithmetic result payload.
func DecodeInt(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, protoErrf("bad integer payload")
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// ValuePayload encodes a single value result.
func ValuePayload(v value.Value) []byte {
	return value.Encode(nil, v)
}

// DecodeValue parses a single value result payload.
func DecodeValue(payload []byte) (value.Value, error) {
	v, err := value.DecodeAll(payload)
	if err != nil {
		return value.Value{}, protoErrf("bad value payload: %v", err)
	}
	return v, nil
}

// MGetPayload encodes the per-key results of an MGET: a count, then one
// presence flag per key followed by the value when present.
func MGetPayload(results []*value.Value) []byte {
	dst := binary.BigEndian.AppendUint32(nil, uint32(len(results)))
	for _, v := range results {
		if v == nil {
			dst = append(dst, 0x00)
			continue
		}
		dst = append(dst, 0x01)
		dst = value.Encode(dst, *v)
	}
	return dst
}

// DecodeMGet parses an MGET result payload. Absent keys come back nil.
func DecodeMGet(payload []byte) ([]*value.Value, error) {
	if len(payload) < 4 {
		return nil, protoErrf("truncated mget payload")
	}
	n := binary.BigEndian.Uint32(payload)
	payload = payload[4:]
	if int(n) > len(payload) {
		return nil, protoErrf("mget count %d exceeds payload", n)
	}

	out := make([]*value.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(payload) < 1 {
			return nil, protoErrf("truncated mget flag")
		}
		flag := payload[0]
		payload = payload[1:]
		switch flag {
		case 0x00:
			out = append(out, nil)
		case 0x01:
			v, consumed, err := value.Decode(payload)
			if err != nil {
				return nil, protoErrf("bad mget value: %v", err)
			}
			payload = payload[consumed:]
			out = append(out, &v)
		default:
			return nil, protoErrf("bad mget flag 0x%02X", flag)
		}
	}
	if len(payload) != 0 {
		return nil, protoErrf("%d trailing bytes in mget payload", len(payload))
	}
	return out, nil
}
