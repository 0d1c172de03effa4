package value

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Type Tags
// --------------------------------------------------------------------------

// Type identifies the variant stored in a Value. The numeric values double
// as the on-wire type tags and must not be reordered.
type Type uint8

const (
	TypeNull    Type = 0x00
	TypeInt     Type = 0x01
	TypeFloat   Type = 0x02
	TypeDecimal Type = 0x03
	TypeString  Type = 0x04
	TypeBytes   Type = 0x05
	TypeList    Type = 0x06
	TypeMap     Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDecimal:
		return "decimal"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is one of the defined type tags.
func (t Type) Valid() bool {
	return t <= TypeMap
}

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// Value is a closed tagged union over every storable type. Only the field
// matching Type carries meaning; the zero Value is Null.
//
// Decimal values are backed by their canonical string form so that
// arbitrary-precision numbers survive encode/decode without loss.
type Value struct {
	Type  Type
	Int   int64
	Float float64
	Str   string // backing for String and Decimal variants
	Bytes []byte
	List  []Value
	Map   map[string]Value
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// Null returns the Null value.
func Null() Value { return Value{Type: TypeNull} }

// NewInt returns an Int value.
func NewInt(i int64) Value { return Value{Type: TypeInt, Int: i} }

// NewFloat returns a Float value.
func NewFloat(f float64) Value { return Value{Type: TypeFloat, Float: f} }

// NewString returns a String value.
func NewString(s string) Value { return Value{Type: TypeString, Str: s} }

// NewBytes returns a Bytes value. The slice is not copied.
func NewBytes(b []byte) Value { return Value{Type: TypeBytes, Bytes: b} }

// NewList returns a List value. The slice is not copied.
func NewList(items ...Value) Value { return Value{Type: TypeList, List: items} }

// NewMap returns a Map value. The map is not copied.
func NewMap(m map[string]Value) Value { return Value{Type: TypeMap, Map: m} }

// NewDecimal returns a Decimal value backed by s, or an error if s is not a
// well-formed decimal number (optional sign, digits, optional fraction).
func NewDecimal(s string) (Value, error) {
	if !validDecimal(s) {
		return Value{}, fmt.Errorf("value: invalid decimal %q", s)
	}
	return Value{Type: TypeDecimal, Str: s}, nil
}

// MustDecimal is NewDecimal that panics on malformed input. Intended for
// constants and tests.
func MustDecimal(s string) Value {
	v, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// validDecimal accepts the decimal grammar [+-]?digits[.digits]? with at
// least one digit. Exponents are intentionally rejected: the canonical
// string form must compare textually.
func validDecimal(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i++
	}
	digits := 0
	dot := false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	if digits == 0 {
		return false
	}
	// cheap cross-check against math/big's parser
	_, ok := new(big.Rat).SetString(s)
	return ok
}

// --------------------------------------------------------------------------
// Comparison and Formatting
// --------------------------------------------------------------------------

// Equal reports deep equality of two values, including nested lists and
// maps. Map comparison ignores insertion order.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeInt:
		return v.Int == o.Int
	case TypeFloat:
		return v.Float == o.Float
	case TypeDecimal, TypeString:
		return v.Str == o.Str
	case TypeBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case TypeList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, vv := range v.Map {
			ov, ok := o.Map[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v. Mutating the copy never affects the
// original, which makes it safe to hand stored values across the engine
// boundary.
func (v Value) Clone() Value {
	switch v.Type {
	case TypeBytes:
		b := make([]byte, len(v.Bytes))
		copy(b, v.Bytes)
		return Value{Type: TypeBytes, Bytes: b}
	case TypeList:
		items := make([]Value, len(v.List))
		for i := range v.List {
			items[i] = v.List[i].Clone()
		}
		return Value{Type: TypeList, List: items}
	case TypeMap:
		m := make(map[string]Value, len(v.Map))
		for k, vv := range v.Map {
			m[k] = vv.Clone()
		}
		return Value{Type: TypeMap, Map: m}
	default:
		return v
	}
}

// String renders a human-readable form used in logs and the CLI.
func (v Value) String() string {
	switch v.Type {
	case TypeNull:
		return "null"
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case TypeDecimal:
		return v.Str
	case TypeString:
		return fmt.Sprintf("%q", v.Str)
	case TypeBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	case TypeList:
		parts := make([]string, len(v.List))
		for i := range v.List {
			parts[i] = v.List[i].String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, v.Map[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.Type.String()
	}
}
