// Package value defines the closed set of storable types (Null, Int, Float,
// Decimal, String, Bytes, List, Map) and their self-describing binary
// encoding. The same encoding is used on the wire, in WAL record payloads
// and in snapshot files, so Encode and Decode must remain mutually inverse
// for every representable value.
//
// Decimals are kept in their original string form; the engine never
// normalizes or rounds them. This is what allows task backends to round-trip
// arbitrary-precision results through the store without loss.
package value
