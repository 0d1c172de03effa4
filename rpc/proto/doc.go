// Package proto implements the binary wire protocol shared by server and
// client.
//
// Requests and responses use the same frame shape: one kind byte (opcode
// or status), a big-endian u32 payload length, then the payload. Payload
// lengths are bounds-checked before allocation, keys are validated here
// at the boundary, and encoding and decoding are pure functions over
// bytes; nothing in this package touches the engine or the network
// beyond reading and writing frames.
package proto
