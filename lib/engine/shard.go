package engine

import (
	"sync"

	"github.com/kvasir-db/kvasir/lib/engine/value"
)

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// entry is the stored unit for one key. A key can carry a value, a lock, or
// both: locks are reservations orthogonal to the stored value, so an entry
// may exist purely as a lock holder (hasValue == false).
type entry struct {
	val           value.Value
	hasValue      bool
	expiresAt     int64 // unix nano, 0 = no expiry
	lockOwner     string
	lockExpiresAt int64 // unix nano, 0 = no expiry
}

// liveValue reports whether the entry holds a non-expired value at now.
func (e entry) liveValue(now int64) bool {
	return e.hasValue && (e.expiresAt == 0 || now < e.expiresAt)
}

// liveLock reports whether the entry holds a non-expired lock at now.
func (e entry) liveLock(now int64) bool {
	return e.lockOwner != "" && (e.lockExpiresAt == 0 || now < e.lockExpiresAt)
}

// empty reports whether nothing live remains; such entries are removed.
func (e entry) empty(now int64) bool {
	return !e.liveValue(now) && !e.liveLock(now)
}

// --------------------------------------------------------------------------
// Shard
// --------------------------------------------------------------------------

// shard owns a disjoint slice of the keyspace behind its own read/write
// exclusion. Readers of one shard proceed together; a writer excludes only
// accessors of the same shard. Shards never coordinate with each other.
type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func newShard() *shard {
	return &shard{entries: make(map[string]entry)}
}

// view runs fn with read access. fn must not retain references into the
// entry map past its return.
func (s *shard) view(fn func(map[string]entry)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.entries)
}

// update runs fn with exclusive access. fn receives the current entry (and
// whether a live value or lock is attached) already normalized for lazy
// expiry at now, and returns the replacement entry plus a keep flag. A
// false keep removes the key.
func (s *shard) update(key string, now int64, fn func(e entry, ok bool) (entry, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok {
		// lazy expiry: drop dead value/lock halves before fn observes them
		if !e.liveValue(now) {
			e.val = value.Value{}
			e.hasValue = false
			e.expiresAt = 0
		}
		if !e.liveLock(now) {
			e.lockOwner = ""
			e.lockExpiresAt = 0
		}
		ok = e.hasValue || e.lockOwner != ""
		if !ok {
			delete(s.entries, key)
		}
	}

	next, keep := fn(e, ok)
	if keep {
		s.entries[key] = next
	} else if ok {
		delete(s.entries, key)
	}
}
