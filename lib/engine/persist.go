package engine

import (
	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/lib/wal"
)

// --------------------------------------------------------------------------
// Replay and Restore (recovery write path)
// --------------------------------------------------------------------------

// Apply re-applies one journaled mutation through the same shard code path
// as live traffic, without journaling it again. Timestamps in rec are
// absolute, so entries that expired while the process was down come back
// already dead and disappear on first access.
//
// Thread-safety: safe for concurrent use, but recovery runs it from a
// single goroutine before any connection is accepted.
func (e *Engine) Apply(rec wal.Record) {
	now := e.now()
	switch rec.Op {
	case wal.OpSet:
		e.route(rec.Key).update(rec.Key, now, func(ent entry, _ bool) (entry, bool) {
			ent.val = rec.Value
			ent.hasValue = true
			ent.expiresAt = rec.ExpiresAt
			return ent, true
		})
	case wal.OpDelete:
		e.route(rec.Key).update(rec.Key, now, func(ent entry, _ bool) (entry, bool) {
			ent.val = value.Value{}
			ent.hasValue = false
			ent.expiresAt = 0
			return ent, ent.lockOwner != ""
		})
	case wal.OpLock:
		e.route(rec.Key).update(rec.Key, now, func(ent entry, _ bool) (entry, bool) {
			ent.lockOwner = rec.Owner
			ent.lockExpiresAt = rec.ExpiresAt
			return ent, true
		})
	case wal.OpUnlock:
		e.route(rec.Key).update(rec.Key, now, func(ent entry, present bool) (entry, bool) {
			if ent.lockOwner != rec.Owner {
				return ent, present
			}
			ent.lockOwner = ""
			ent.lockExpiresAt = 0
			return ent, ent.hasValue
		})
	}
}

// DumpEntry is the portable form of one stored entry, shared by snapshots
// and recovery.
type DumpEntry struct {
	Key           string
	Value         value.Value
	HasValue      bool
	ExpiresAt     int64
	LockOwner     string
	LockExpiresAt int64
}

// Restore seeds one entry directly, routing by key hash. Used only while
// loading a snapshot, before the engine is shared.
func (e *Engine) Restore(ent DumpEntry) {
	now := e.now()
	e.route(ent.Key).update(ent.Key, now, func(_ entry, _ bool) (entry, bool) {
		return entry{
			val:           ent.Value,
			hasValue:      ent.HasValue,
			expiresAt:     ent.ExpiresAt,
			lockOwner:     ent.LockOwner,
			lockExpiresAt: ent.LockExpiresAt,
		}, true
	})
}

// --------------------------------------------------------------------------
// Dump (snapshot read path)
// --------------------------------------------------------------------------

// ShardCount returns the fixed number of shards.
func (e *Engine) ShardCount() int { return len(e.shards) }

// DumpShard copies every live entry of shard i under that shard's read
// exclusion. The copy is deep, so the caller may serialize it without
// holding any engine lock during disk I/O.
func (e *Engine) DumpShard(i int) []DumpEntry {
	now := e.now()
	var out []DumpEntry
	e.shards[i].view(func(entries map[string]entry) {
		for k, ent := range entries {
			live := ent.liveValue(now)
			lock := ent.liveLock(now)
			if !live && !lock {
				continue // dead entries are not worth persisting
			}
			d := DumpEntry{Key: k}
			if live {
				d.Value = ent.val.Clone()
				d.HasValue = true
				d.ExpiresAt = ent.expiresAt
			}
			if lock {
				d.LockOwner = ent.lockOwner
				d.LockExpiresAt = ent.lockExpiresAt
			}
			out = append(out, d)
		}
	})
	return out
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Shards int
	Keys   int
	Reads  int64
	Writes int64
	Hits   int64
	Misses int64
}

// KeyCount returns the number of stored entries across all shards,
// including entries whose lazy expiry has not been observed yet.
func (e *Engine) KeyCount() int {
	total := 0
	for _, s := range e.shards {
		s.view(func(entries map[string]entry) {
			total += len(entries)
		})
	}
	return total
}

// Stats returns current counter values.
func (e *Engine) Stats() Stats {
	return Stats{
		Shards: len(e.shards),
		Keys:   e.KeyCount(),
		Reads:  e.reads.Value(),
		Writes: e.writes.Value(),
		Hits:   e.hits.Value(),
		Misses: e.misses.Value(),
	}
}
