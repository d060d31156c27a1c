package nomos

import "sync"

// shard is a hash bucket of item-key -> shared-owned Item. A sub-level is
// split into shardsPerSubLevel shards so concurrent mutations on different
// item-keys rarely contend on the same lock.
type shard struct {
	mu    sync.Mutex
	items map[any]*Item
}

func newShard() *shard {
	return &shard{items: make(map[any]*Item)}
}

// subLevel holds the fixed N=10 shards that together comprise one
// sub-level's item map, selected by checksum32(item_key) mod N.
type subLevel struct {
	shards [shardsPerSubLevel]*shard
}

func newSubLevel() *subLevel {
	sl := &subLevel{}
	for i := range sl.shards {
		sl.shards[i] = newShard()
	}

	return sl
}

func (sl *subLevel) shardFor(itemKey Key) *shard {
	return sl.shards[itemKey.shardIndex(shardsPerSubLevel)]
}
