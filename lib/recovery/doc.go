// Package recovery rebuilds engine state at startup.
//
// Recovery loads the newest snapshot that verifies, seeds the engine from
// it, then replays write-ahead log entries past the snapshot's recorded
// position, oldest file first. Corrupt log entries are skipped and
// counted rather than aborting the start; losing a handful of trailing
// writes after a crash beats refusing to serve at all.
package recovery
