// Package wal implements the write-ahead log: the durable, checksummed
// journal of every mutation the engine applies. Appends are buffered and
// made durable by periodic flushes rather than per-write syncs, bounding
// loss after a crash to the flush interval while amortizing fsync cost.
//
// The log is a sequence of files: one active file receiving appends and
// zero or more sealed, immutable predecessors. Each file header records
// the writer's global byte position at creation, which keeps positions
// stable across file cleanup. The snapshot header stores such a position
// so recovery can skip entries a snapshot already covers.
//
// The reader treats a bad entry (checksum mismatch, torn tail, nonsense
// length) as data to report, not a reason to fail: recovery counts the
// corruption and continues wherever continuing is possible.
package wal
