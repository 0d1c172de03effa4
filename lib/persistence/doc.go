// Package persistence ties the engine's journal to disk.
//
// A single Coordinator drains journaled records into the write-ahead log
// from one worker goroutine, fsyncs on a fixed cadence, and periodically
// snapshots the full store. Every snapshot records the log position it
// covers, which lets the coordinator delete sealed log files and old
// snapshots that recovery would never need.
//
// The journal queue is bounded and never blocks command handling: when the
// disk falls behind, records are dropped and counted instead of stalling
// writes. A store run without a Coordinator is a pure in-memory cache.
package persistence
