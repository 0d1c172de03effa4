// Package engine implements the sharded in-memory core of the store. The
// keyspace is partitioned across a fixed number of shards by FNV-1a hash;
// each shard guards its entry map with its own read/write exclusion, so
// shards proceed fully in parallel and a writer only ever excludes
// accessors of its own shard.
//
// Every command is atomic against the shard owning its key. Batch commands
// (MGet, MSet, MDel) visit each key's shard independently and sequentially;
// a concurrent reader may observe a partially applied batch.
//
// Expiry is lazy: an entry past its deadline is treated as absent and
// removed on the next access, there is no background sweeper. Ownership
// locks live next to the stored value on the same entry but are fully
// orthogonal to it; a key can be locked without holding a value.
//
// Successful mutations are handed to the configured Journal before the
// call returns. The journal callback must not block; durability batching
// is the persistence coordinator's concern, not the engine's.
package engine
