package lineframe

import "sync"

// ConcurrentMap is a key/value map that many goroutines can insert into at
// once. The key space is split over shards by hash and every shard has its
// own lock, so contention grows with how often workers hit the same shard,
// not with the number of workers alone. Get and Len lock; Range and Freeze
// must only be used once every writer has finished.
type ConcurrentMap struct {
	shards []mapShard
	dup    DuplicatePolicy
}

type mapShard struct {
	sync.Mutex
	m map[string]entry
}

// NewConcurrentMap returns an empty map with n shards (at least one)
// resolving duplicates with dup.
func NewConcurrentMap(n int, dup DuplicatePolicy) *ConcurrentMap {
	if n < 1 {
		n = 1
	}
	c := &ConcurrentMap{shards: make([]mapShard, n), dup: dup}
	for i := range c.shards {
		c.shards[i].m = make(map[string]entry)
	}
	return c
}

// Insert stores value for key as found at pos, unless the key is already
// present from a position that wins under the map's duplicate policy.
func (c *ConcurrentMap) Insert(key []byte, value uint64, pos Position) {
	s := &c.shards[shardOf(key, len(c.shards))]
	s.Lock()
	c.dup.putBytes(s.m, key, entry{value, pos})
	s.Unlock()
}

// Get returns the value currently stored for key.
func (c *ConcurrentMap) Get(key string) (uint64, bool) {
	s := &c.shards[shardOf([]byte(key), len(c.shards))]
	s.Lock()
	e, ok := s.m[key]
	s.Unlock()
	return e.value, ok
}

// Len is the number of keys.
func (c *ConcurrentMap) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.Lock()
		n += len(s.m)
		s.Unlock()
	}
	return n
}

// Range iterates over a quiesced map.
func (c *ConcurrentMap) Range(fn func(key string, value uint64) bool) {
	for i := range c.shards {
		for k, e := range c.shards[i].m {
			if !fn(k, e.value) {
				return
			}
		}
	}
}

// Freeze turns a quiesced map into a ResultMap without copying the shards.
// The ConcurrentMap must not be used afterwards.
func (c *ConcurrentMap) Freeze() *ResultMap {
	maps := make([]map[string]entry, len(c.shards))
	for i := range c.shards {
		maps[i] = c.shards[i].m
		c.shards[i].m = nil
	}
	return newResultMap(maps)
}
