package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/kvasir-db/kvasir/lib/engine/value"
)

// --------------------------------------------------------------------------
// Record Types
// --------------------------------------------------------------------------

// OpType identifies the kind of mutation a WAL record describes. A batch
// command (mset, mdel) is journaled as one record per affected key, so the
// log only ever needs these four shapes.
type OpType uint8

const (
	OpSet    OpType = 0x01 // set/setnx/incr/mset resolved to a stored value
	OpDelete OpType = 0x02 // delete/mdel
	OpLock   OpType = 0x03 // lock/extend_lock (absolute expiry)
	OpUnlock OpType = 0x04
)

func (o OpType) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpLock:
		return "lock"
	case OpUnlock:
		return "unlock"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(o))
	}
}

// Record is one durable mutation. Timestamps are absolute (unix nanoseconds)
// so replay after arbitrary downtime does not stretch TTLs.
type Record struct {
	Op        OpType
	Key       string
	Value     value.Value // OpSet only
	ExpiresAt int64       // OpSet: value expiry; OpLock: lock expiry; 0 = none
	Owner     string      // OpLock, OpUnlock
}

// --------------------------------------------------------------------------
// Record Payload Codec
// --------------------------------------------------------------------------

// encodePayload serializes the record body (everything except the entry
// framing, which the writer owns).
func encodePayload(dst []byte, rec Record) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(rec.Key)))
	dst = append(dst, rec.Key...)
	switch rec.Op {
	case OpSet:
		dst = binary.BigEndian.AppendUint64(dst, uint64(rec.ExpiresAt))
		dst = value.Encode(dst, rec.Value)
	case OpDelete:
		// key only
	case OpLock:
		dst = binary.BigEndian.AppendUint64(dst, uint64(rec.ExpiresAt))
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(rec.Owner)))
		dst = append(dst, rec.Owner...)
	case OpUnlock:
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(rec.Owner)))
		dst = append(dst, rec.Owner...)
	}
	return dst
}

// decodePayload is the inverse of encodePayload.
func decodePayload(op OpType, b []byte) (Record, error) {
	rec := Record{Op: op}

	if len(b) < 2 {
		return rec, fmt.Errorf("wal: short record (no key length)")
	}
	klen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < klen {
		return rec, fmt.Errorf("wal: short record (key wants %d bytes)", klen)
	}
	rec.Key = string(b[:klen])
	b = b[klen:]

	switch op {
	case OpSet:
		if len(b) < 8 {
			return rec, fmt.Errorf("wal: short set record")
		}
		rec.ExpiresAt = int64(binary.BigEndian.Uint64(b))
		v, err := value.DecodeAll(b[8:])
		if err != nil {
			return rec, fmt.Errorf("wal: set record value: %v", err)
		}
		rec.Value = v

	case OpDelete:
		if len(b) != 0 {
			return rec, fmt.Errorf("wal: %d trailing bytes in delete record", len(b))
		}

	case OpLock:
		if len(b) < 8+2 {
			return rec, fmt.Errorf("wal: short lock record")
		}
		rec.ExpiresAt = int64(binary.BigEndian.Uint64(b))
		b = b[8:]
		olen := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) != olen {
			return rec, fmt.Errorf("wal: lock record owner wants %d bytes, has %d", olen, len(b))
		}
		rec.Owner = string(b)

	case OpUnlock:
		if len(b) < 2 {
			return rec, fmt.Errorf("wal: short unlock record")
		}
		olen := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) != olen {
			return rec, fmt.Errorf("wal: unlock record owner wants %d bytes, has %d", olen, len(b))
		}
		rec.Owner = string(b)

	default:
		return rec, fmt.Errorf("wal: unknown op type 0x%02x", uint8(op))
	}

	return rec, nil
}
