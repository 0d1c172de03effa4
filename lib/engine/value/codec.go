package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// --------------------------------------------------------------------------
// Binary Value Codec
// --------------------------------------------------------------------------

// Every value is self-describing: a 1-byte type tag followed by a
// type-specific body. Int and Float are fixed 8 bytes (big endian, Float as
// IEEE-754 bits). Decimal, String and Bytes are u32-length-prefixed.
// List is a u32 count followed by the encoded items; Map is a u32 count
// followed by (u32 key length, key bytes, encoded value) pairs.

const (
	// MaxEncodedSize bounds a single encoded value. Decoding rejects any
	// length prefix that would exceed it before allocating.
	MaxEncodedSize = 64 << 20 // 64 MiB

	// maxNestingDepth bounds recursion for hostile input.
	maxNestingDepth = 32
)

// EncodedSize returns the exact number of bytes Encode will produce for v.
func EncodedSize(v Value) int {
	switch v.Type {
	case TypeNull:
		return 1
	case TypeInt, TypeFloat:
		return 1 + 8
	case TypeDecimal, TypeString:
		return 1 + 4 + len(v.Str)
	case TypeBytes:
		return 1 + 4 + len(v.Bytes)
	case TypeList:
		n := 1 + 4
		for i := range v.List {
			n += EncodedSize(v.List[i])
		}
		return n
	case TypeMap:
		n := 1 + 4
		for k, vv := range v.Map {
			n += 4 + len(k) + EncodedSize(vv)
		}
		return n
	default:
		return 1
	}
}

// Encode appends the binary form of v to dst and returns the extended
// slice. Encode is total over every well-formed Value.
func Encode(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Type))
	switch v.Type {
	case TypeNull:
		// tag only
	case TypeInt:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int))
	case TypeFloat:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case TypeDecimal, TypeString:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Str)))
		dst = append(dst, v.Str...)
	case TypeBytes:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	case TypeList:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.List)))
		for i := range v.List {
			dst = Encode(dst, v.List[i])
		}
	case TypeMap:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Map)))
		for k, vv := range v.Map {
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(k)))
			dst = append(dst, k...)
			dst = Encode(dst, vv)
		}
	}
	return dst
}

// Decode parses exactly one value from the start of b and returns it along
// with the number of bytes consumed.
func Decode(b []byte) (Value, int, error) {
	return decode(b, 0)
}

// DecodeAll parses one value and requires that it consumes all of b.
func DecodeAll(b []byte) (Value, error) {
	v, n, err := decode(b, 0)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("value: %d trailing bytes after value", len(b)-n)
	}
	return v, nil
}

func decode(b []byte, depth int) (Value, int, error) {
	if depth > maxNestingDepth {
		return Value{}, 0, fmt.Errorf("value: nesting deeper than %d", maxNestingDepth)
	}
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("value: missing type tag")
	}
	t := Type(b[0])
	pos := 1

	switch t {
	case TypeNull:
		return Value{Type: TypeNull}, pos, nil

	case TypeInt:
		if len(b) < pos+8 {
			return Value{}, 0, fmt.Errorf("value: short int body")
		}
		i := int64(binary.BigEndian.Uint64(b[pos : pos+8]))
		return Value{Type: TypeInt, Int: i}, pos + 8, nil

	case TypeFloat:
		if len(b) < pos+8 {
			return Value{}, 0, fmt.Errorf("value: short float body")
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(b[pos : pos+8]))
		return Value{Type: TypeFloat, Float: f}, pos + 8, nil

	case TypeDecimal, TypeString:
		n, err := readLen(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += 4
		if len(b) < pos+n {
			return Value{}, 0, fmt.Errorf("value: short string body (want %d bytes)", n)
		}
		s := string(b[pos : pos+n])
		if !utf8.ValidString(s) {
			return Value{}, 0, fmt.Errorf("value: %s body is not valid UTF-8", t)
		}
		if t == TypeDecimal && !validDecimal(s) {
			return Value{}, 0, fmt.Errorf("value: malformed decimal %q", s)
		}
		return Value{Type: t, Str: s}, pos + n, nil

	case TypeBytes:
		n, err := readLen(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += 4
		if len(b) < pos+n {
			return Value{}, 0, fmt.Errorf("value: short bytes body (want %d bytes)", n)
		}
		raw := make([]byte, n)
		copy(raw, b[pos:pos+n])
		return Value{Type: TypeBytes, Bytes: raw}, pos + n, nil

	case TypeList:
		count, err := readLen(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += 4
		// each item needs at least a tag byte
		if count > len(b)-pos {
			return Value{}, 0, fmt.Errorf("value: list count %d exceeds remaining input", count)
		}
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			item, n, err := decode(b[pos:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			pos += n
		}
		return Value{Type: TypeList, List: items}, pos, nil

	case TypeMap:
		count, err := readLen(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += 4
		if count > len(b)-pos {
			return Value{}, 0, fmt.Errorf("value: map count %d exceeds remaining input", count)
		}
		m := make(map[string]Value, count)
		for i := 0; i < count; i++ {
			klen, err := readLen(b, pos)
			if err != nil {
				return Value{}, 0, err
			}
			pos += 4
			if len(b) < pos+klen {
				return Value{}, 0, fmt.Errorf("value: short map key")
			}
			k := string(b[pos : pos+klen])
			if !utf8.ValidString(k) {
				return Value{}, 0, fmt.Errorf("value: map key is not valid UTF-8")
			}
			pos += klen
			vv, n, err := decode(b[pos:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			m[k] = vv
			pos += n
		}
		return Value{Type: TypeMap, Map: m}, pos, nil

	default:
		return Value{}, 0, fmt.Errorf("value: unknown type tag 0x%02x", b[0])
	}
}

// readLen reads a u32 length prefix at pos and bounds-checks it against
// MaxEncodedSize so hostile prefixes cannot trigger huge allocations.
func readLen(b []byte, pos int) (int, error) {
	if len(b) < pos+4 {
		return 0, fmt.Errorf("value: short length prefix")
	}
	n := binary.BigEndian.Uint32(b[pos : pos+4])
	if n > MaxEncodedSize {
		return 0, fmt.Errorf("value: length %d exceeds limit %d", n, MaxEncodedSize)
	}
	return int(n), nil
}
