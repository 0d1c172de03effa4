// Package snapshot writes and reads point-in-time copies of the full
// key-value state.
//
// A snapshot is a single file carrying every live entry of every shard,
// protected by a sha256 digest over its body. Files are written to a
// temporary name and atomically renamed into place, so readers only ever
// see complete snapshots. Each snapshot records the write-ahead log
// position it covers; recovery replays only log entries past that point.
//
// Loading is defensive: a file that fails its digest or cannot be parsed
// is skipped in favor of the next older one, and having no usable
// snapshot at all simply means a full log replay.
package snapshot
