package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testValues covers every variant, including nesting.
func testValues() []Value {
	return []Value{
		Null(),
		NewInt(0),
		NewInt(-1),
		NewInt(1<<62 + 12345),
		NewInt(-(1 << 62)),
		NewFloat(0),
		NewFloat(3.14159),
		NewFloat(-2.5e300),
		MustDecimal("0"),
		MustDecimal("-123.456"),
		MustDecimal("99999999999999999999999999999999.00000000001"),
		NewString(""),
		NewString("hello world"),
		NewString("ünïcödé ✓"),
		NewBytes(nil),
		NewBytes([]byte{0x00, 0xff, 0x7f}),
		NewList(),
		NewList(NewInt(1), NewString("two"), Null()),
		NewList(NewList(NewList(NewInt(42)))),
		NewMap(map[string]Value{}),
		NewMap(map[string]Value{
			"int":   NewInt(7),
			"str":   NewString("x"),
			"inner": NewMap(map[string]Value{"deep": NewList(NewFloat(1.5))}),
		}),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range testValues() {
		enc := Encode(nil, v)
		require.Equal(t, EncodedSize(v), len(enc), "EncodedSize mismatch for %s", v)

		got, err := DecodeAll(enc)
		require.NoError(t, err, "decode failed for %s", v)
		assert.True(t, v.Equal(got), "round trip mismatch: %s != %s", v, got)
	}
}

func TestDecodePartialConsume(t *testing.T) {
	enc := Encode(nil, NewInt(5))
	enc = append(enc, 0xde, 0xad)

	v, n, err := Decode(enc)
	require.NoError(t, err)
	assert.True(t, v.Equal(NewInt(5)))
	assert.Equal(t, len(enc)-2, n)

	_, err = DecodeAll(enc)
	assert.Error(t, err, "trailing bytes must be rejected")
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty input":     {},
		"unknown tag":     {0x55},
		"short int":       {byte(TypeInt), 0x01},
		"short float":     {byte(TypeFloat), 0x01, 0x02},
		"short string":    {byte(TypeString), 0x00, 0x00, 0x00, 0x10, 'a'},
		"short length":    {byte(TypeBytes), 0x00, 0x00},
		"bad decimal":     append([]byte{byte(TypeDecimal), 0x00, 0x00, 0x00, 0x03}, "abc"...),
		"invalid utf8":    append([]byte{byte(TypeString), 0x00, 0x00, 0x00, 0x02}, 0xff, 0xfe),
		"truncated list":  {byte(TypeList), 0x00, 0x00, 0x00, 0x02, byte(TypeNull)},
		"huge byte count": {byte(TypeBytes), 0xff, 0xff, 0xff, 0xff},
	}
	for name, b := range cases {
		_, err := DecodeAll(b)
		assert.Error(t, err, "case %q should fail", name)
	}
}

func TestDecodeOversizedLength(t *testing.T) {
	// length prefix above MaxEncodedSize is rejected before allocation
	b := []byte{byte(TypeBytes)}
	b = append(b, 0x04, 0x00, 0x00, 0x01) // 64 MiB + 1
	_, _, err := Decode(b)
	assert.Error(t, err)
}

func TestDeepNestingRejected(t *testing.T) {
	v := NewInt(1)
	for i := 0; i < maxNestingDepth+2; i++ {
		v = NewList(v)
	}
	_, err := DecodeAll(Encode(nil, v))
	assert.Error(t, err, "nesting past the limit must fail decode")
}

func TestDecimalValidation(t *testing.T) {
	for _, ok := range []string{"0", "1", "-1", "+1.5", "123.456", "000.1"} {
		_, err := NewDecimal(ok)
		assert.NoError(t, err, "expected %q to parse", ok)
	}
	for _, bad := range []string{"", ".", "-", "1e5", "1.2.3", "abc", "1,5", " 1"} {
		_, err := NewDecimal(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestEqualAndClone(t *testing.T) {
	m1 := NewMap(map[string]Value{"a": NewList(NewBytes([]byte{1, 2}))})
	m2 := m1.Clone()
	require.True(t, m1.Equal(m2))

	// mutate the clone, the original must not change
	m2.Map["a"].List[0].Bytes[0] = 9
	assert.False(t, m1.Equal(m2))
	assert.Equal(t, byte(1), m1.Map["a"].List[0].Bytes[0])

	assert.False(t, NewInt(1).Equal(NewFloat(1)))
	assert.False(t, Null().Equal(NewString("")))
}
