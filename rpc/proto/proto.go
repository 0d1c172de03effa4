package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// --------------------------------------------------------------------------
// Opcodes and Statuses
// --------------------------------------------------------------------------

// Op identifies one request command on the wire.
type Op byte

const (
	OpGet    Op = 0x01
	OpSet    Op = 0x02
	OpDel    Op = 0x03
	OpExists Op = 0x04
	OpIncr   Op = 0x05
	OpDecr   Op = 0x06
	OpCAS    Op = 0x07 // reserved, always answered with ERROR
	OpPing   Op = 0x08
	OpInfo   Op = 0x09
	OpSetNX  Op = 0x0A
	OpLock   Op = 0x0B
	OpUnlock Op = 0x0C
	OpExtend Op = 0x0D
	OpMGet   Op = 0x0E
	OpMSet   Op = 0x0F
	OpMDel   Op = 0x10
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	case OpExists:
		return "EXISTS"
	case OpIncr:
		return "INCR"
	case OpDecr:
		return "DECR"
	case OpCAS:
		return "CAS"
	case OpPing:
		return "PING"
	case OpInfo:
		return "INFO"
	case OpSetNX:
		return "SETNX"
	case OpLock:
		return "LOCK"
	case OpUnlock:
		return "UNLOCK"
	case OpExtend:
		return "EXTEND"
	case OpMGet:
		return "MGET"
	case OpMSet:
		return "MSET"
	case OpMDel:
		return "MDEL"
	default:
		return fmt.Sprintf("OP(0x%02X)", byte(o))
	}
}

// Known reports whether o is a defined opcode (including the reserved CAS).
func (o Op) Known() bool {
	return o >= OpGet && o <= OpMDel
}

// Status is the first byte of every response frame.
type Status byte

const (
	StatusOK        Status = 0x00
	StatusNull      Status = 0x01 // not found; not an error
	StatusError     Status = 0x02 // payload is a UTF-8 message
	StatusInvalid   Status = 0x03 // malformed request
	StatusCASFailed Status = 0x04
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNull:
		return "NULL"
	case StatusError:
		return "ERROR"
	case StatusInvalid:
		return "INVALID"
	case StatusCASFailed:
		return "CAS_FAILED"
	default:
		return fmt.Sprintf("STATUS(0x%02X)", byte(s))
	}
}

// --------------------------------------------------------------------------
// Limits and Validation
// --------------------------------------------------------------------------

const (
	// MaxPayloadSize caps a frame's payload. The length prefix is checked
	// against it before any allocation.
	MaxPayloadSize = 64 << 20

	// MaxKeyLen is the longest accepted key in bytes.
	MaxKeyLen = 256
)

// ProtocolError reports a malformed frame, an oversized payload or an
// unknown opcode. The server answers INVALID and may close the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "proto: " + e.Reason
}

func protoErrf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateKey enforces the key contract at the wire boundary: non-empty,
// at most MaxKeyLen bytes, valid UTF-8. The engine itself accepts any
// string; only the boundary checks.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return protoErrf("empty key")
	}
	if len(key) > MaxKeyLen {
		return protoErrf("key exceeds %d bytes", MaxKeyLen)
	}
	if !utf8.ValidString(key) {
		return protoErrf("key is not valid UTF-8")
	}
	return nil
}

// --------------------------------------------------------------------------
// Framing
// --------------------------------------------------------------------------

// Both directions share one frame shape: a kind byte, a big-endian u32
// payload length, then the payload.

// ReadFrame reads one frame. The kind byte is the opcode on the server
// side and the status byte on the client side.
func ReadFrame(r io.Reader) (kind byte, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxPayloadSize {
		return 0, nil, protoErrf("payload length %d exceeds %d", length, MaxPayloadSize)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, protoErrf("truncated payload: %v", err)
	}
	return hdr[0], payload, nil
}

// WriteFrame writes one frame in a single Write call.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return protoErrf("payload length %d exceeds %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, kind)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
