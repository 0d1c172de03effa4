package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/lib/wal"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ErrTypeMismatch is returned when an operation requires a specific stored
// type (incr/decr require Int) and finds another.
var ErrTypeMismatch = errors.New("type mismatch")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

const (
	// DefaultNumShards is the keyspace partition count used when the
	// configuration does not override it. Fixed for the process lifetime.
	DefaultNumShards = 256
)

// Journal receives one record per successful key mutation. It must never
// block: the persistence coordinator backs it with a bounded queue that
// drops under pressure rather than stalling live traffic.
type Journal func(rec wal.Record)

// Options configures engine construction.
type Options struct {
	NumShards int     // number of shards (0 = DefaultNumShards)
	Journal   Journal // nil disables journaling (pure in-memory mode)
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine owns all shards and exposes every command as one atomic call
// against the shard(s) holding the target key(s). Multi-key operations
// visit each shard independently and are not atomic across keys.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	shards  []*shard
	journal Journal

	// hot-path counters, read by Stats/INFO
	reads  *xsync.Counter
	writes *xsync.Counter
	hits   *xsync.Counter
	misses *xsync.Counter
}

// New creates an engine with opts (nil = defaults).
//
// Thread-safety: call once during initialization.
func New(opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	n := opts.NumShards
	if n <= 0 {
		n = DefaultNumShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Engine{
		shards:  shards,
		journal: opts.Journal,
		reads:   xsync.NewCounter(),
		writes:  xsync.NewCounter(),
		hits:    xsync.NewCounter(),
		misses:  xsync.NewCounter(),
	}
}

// SetJournal installs the journal sink. Must be called before the engine is
// exposed to connections (the persistence coordinator is wired after
// recovery has replayed the log through this same engine).
func (e *Engine) SetJournal(j Journal) {
	e.journal = j
}

// route returns the shard owning key. The mapping is a pure function of the
// key for a fixed shard count: FNV-1a mod NumShards.
func (e *Engine) route(key string) *shard {
	return e.shards[int(fnv1a(key)%uint64(len(e.shards)))]
}

// fnv1a hashes a key with the 64-bit FNV-1a function. It is fast, stable
// across processes and distributes short keys well.
func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

func (e *Engine) now() int64 { return time.Now().UnixNano() }

// deadline converts a relative ttl to an absolute unix-nano expiry.
// A zero ttl means no expiry.
func deadline(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + int64(ttl)
}

func (e *Engine) emit(rec wal.Record) {
	if e.journal != nil {
		e.journal(rec)
	}
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Get returns the live value for key. The bool is false if the key is
// absent or its value has expired. The returned value is a deep copy and
// safe to retain.
func (e *Engine) Get(key string) (value.Value, bool) {
	e.reads.Inc()
	now := e.now()

	var (
		v  value.Value
		ok bool
	)
	e.route(key).view(func(entries map[string]entry) {
		if ent, found := entries[key]; found && ent.liveValue(now) {
			v = ent.val.Clone()
			ok = true
		}
	})

	if ok {
		e.hits.Inc()
	} else {
		e.misses.Inc()
	}
	return v, ok
}

// Exists reports whether key holds a live value.
func (e *Engine) Exists(key string) bool {
	e.reads.Inc()
	now := e.now()

	var ok bool
	e.route(key).view(func(entries map[string]entry) {
		ent, found := entries[key]
		ok = found && ent.liveValue(now)
	})
	return ok
}

// MGet returns one result per key, in order. Each shard is consulted
// independently; a concurrent writer may interleave between keys.
func (e *Engine) MGet(keys []string) []*value.Value {
	out := make([]*value.Value, len(keys))
	for i, k := range keys {
		if v, ok := e.Get(k); ok {
			c := v
			out[i] = &c
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Set unconditionally stores v under key with an optional relative ttl
// (0 = no expiry). An existing lock on the key is preserved.
func (e *Engine) Set(key string, v value.Value, ttl time.Duration) {
	e.writes.Inc()
	now := e.now()
	expiresAt := deadline(now, ttl)
	stored := v.Clone()

	e.route(key).update(key, now, func(ent entry, _ bool) (entry, bool) {
		ent.val = stored
		ent.hasValue = true
		ent.expiresAt = expiresAt
		return ent, true
	})

	e.emit(wal.Record{Op: wal.OpSet, Key: key, Value: stored, ExpiresAt: expiresAt})
}

// SetNX stores v only if key has no live value (an expired value counts as
// absent). Returns whether the write happened.
func (e *Engine) SetNX(key string, v value.Value, ttl time.Duration) bool {
	e.writes.Inc()
	now := e.now()
	expiresAt := deadline(now, ttl)
	stored := v.Clone()

	var won bool
	e.route(key).update(key, now, func(ent entry, ok bool) (entry, bool) {
		if ent.hasValue {
			return ent, ok
		}
		won = true
		ent.val = stored
		ent.hasValue = true
		ent.expiresAt = expiresAt
		return ent, true
	})

	if won {
		e.emit(wal.Record{Op: wal.OpSet, Key: key, Value: stored, ExpiresAt: expiresAt})
	}
	return won
}

// Delete removes the stored value for key, returning true if a live value
// was removed. A live lock on the key survives the delete.
func (e *Engine) Delete(key string) bool {
	e.writes.Inc()
	now := e.now()

	var removed bool
	e.route(key).update(key, now, func(ent entry, ok bool) (entry, bool) {
		if !ok {
			return ent, false
		}
		removed = ent.hasValue
		ent.val = value.Value{}
		ent.hasValue = false
		ent.expiresAt = 0
		return ent, ent.lockOwner != ""
	})

	if removed {
		e.emit(wal.Record{Op: wal.OpDelete, Key: key})
	}
	return removed
}

// Incr atomically adds delta to the Int stored under key, creating the
// entry at 0+delta if absent or expired. The result saturates at the int64
// bounds. A non-Int live value fails with ErrTypeMismatch and no effect.
// Decr is Incr with a negated delta.
func (e *Engine) Incr(key string, delta int64) (int64, error) {
	e.writes.Inc()
	now := e.now()

	var (
		result    int64
		expiresAt int64
		opErr     error
	)
	e.route(key).update(key, now, func(ent entry, _ bool) (entry, bool) {
		cur := int64(0)
		if ent.hasValue {
			if ent.val.Type != value.TypeInt {
				opErr = fmt.Errorf("%w: incr on %s entry", ErrTypeMismatch, ent.val.Type)
				return ent, ent.hasValue || ent.lockOwner != ""
			}
			cur = ent.val.Int
		}
		result = saturatingAdd(cur, delta)
		expiresAt = ent.expiresAt // arithmetic preserves an existing ttl
		ent.val = value.NewInt(result)
		ent.hasValue = true
		return ent, true
	})
	if opErr != nil {
		return 0, opErr
	}

	// journal the resolved value so replay is idempotent
	e.emit(wal.Record{Op: wal.OpSet, Key: key, Value: value.NewInt(result), ExpiresAt: expiresAt})
	return result, nil
}

// saturatingAdd adds two int64 values, clamping at the type bounds instead
// of overflowing.
func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

// MSet applies Set for every pair with one shared ttl. Pairs land in their
// owning shards independently; there is no cross-shard atomicity.
func (e *Engine) MSet(pairs []KV, ttl time.Duration) {
	for _, p := range pairs {
		e.Set(p.Key, p.Value, ttl)
	}
}

// MDel applies Delete per key and returns how many live values it removed.
func (e *Engine) MDel(keys []string) int {
	n := 0
	for _, k := range keys {
		if e.Delete(k) {
			n++
		}
	}
	return n
}

// KV is one key/value pair of a batch write.
type KV struct {
	Key   string
	Value value.Value
}

// --------------------------------------------------------------------------
// Lock Operations
// --------------------------------------------------------------------------

// Lock acquires (or, for the current holder, extends) the ownership lock on
// key. It succeeds if no live lock exists or the live lock already belongs
// to owner. Locks expire after ttl and are checked lazily on next access.
func (e *Engine) Lock(key, owner string, ttl time.Duration) bool {
	e.writes.Inc()
	now := e.now()
	expiresAt := deadline(now, ttl)

	var ok bool
	e.route(key).update(key, now, func(ent entry, present bool) (entry, bool) {
		if ent.lockOwner != "" && ent.lockOwner != owner {
			return ent, present
		}
		ok = true
		ent.lockOwner = owner
		ent.lockExpiresAt = expiresAt
		return ent, true
	})

	if ok {
		e.emit(wal.Record{Op: wal.OpLock, Key: key, Owner: owner, ExpiresAt: expiresAt})
	}
	return ok
}

// Unlock releases the lock on key if owner holds it. Releasing an absent
// lock fails; the lock is left untouched on an ownership mismatch.
func (e *Engine) Unlock(key, owner string) bool {
	e.writes.Inc()
	now := e.now()

	var ok bool
	e.route(key).update(key, now, func(ent entry, present bool) (entry, bool) {
		if !present || ent.lockOwner != owner {
			return ent, present
		}
		ok = true
		ent.lockOwner = ""
		ent.lockExpiresAt = 0
		return ent, ent.hasValue
	})

	if ok {
		e.emit(wal.Record{Op: wal.OpUnlock, Key: key, Owner: owner})
	}
	return ok
}

// ExtendLock pushes the expiry of a lock owner already holds. Unlike Lock
// it never creates a lock.
func (e *Engine) ExtendLock(key, owner string, ttl time.Duration) bool {
	e.writes.Inc()
	now := e.now()
	expiresAt := deadline(now, ttl)

	var ok bool
	e.route(key).update(key, now, func(ent entry, present bool) (entry, bool) {
		if !present || ent.lockOwner != owner {
			return ent, present
		}
		ok = true
		ent.lockExpiresAt = expiresAt
		return ent, true
	})

	if ok {
		e.emit(wal.Record{Op: wal.OpLock, Key: key, Owner: owner, ExpiresAt: expiresAt})
	}
	return ok
}

// LockOwner returns the current live lock holder of key, if any.
func (e *Engine) LockOwner(key string) (string, bool) {
	now := e.now()
	var (
		owner string
		ok    bool
	)
	e.route(key).view(func(entries map[string]entry) {
		if ent, found := entries[key]; found && ent.liveLock(now) {
			owner, ok = ent.lockOwner, true
		}
	})
	return owner, ok
}
