package lineframe

import (
	"bufio"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// shardSeed seeds the key hash that spreads keys over map shards.
const shardSeed = 0x5bd1e995

type entry struct {
	value uint64
	pos   Position
}

// replaces reports whether a record at candidate position c displaces the
// one stored from position e. The outcome depends only on the two
// positions, which makes merging commutative and associative: any order of
// insertions ends in the same map.
func (p DuplicatePolicy) replaces(c, e Position) bool {
	if p == KeepFirst {
		return c.Before(e)
	}
	return e.Before(c)
}

func (p DuplicatePolicy) put(m map[string]entry, key string, e entry) {
	if old, ok := m[key]; ok && !p.replaces(e.pos, old.pos) {
		return
	}
	m[key] = e
}

// putBytes is put for a key that is only borrowed; the string is only
// allocated when the key is actually stored.
func (p DuplicatePolicy) putBytes(m map[string]entry, key []byte, e entry) {
	if old, ok := m[string(key)]; ok {
		if p.replaces(e.pos, old.pos) {
			m[string(key)] = e
		}
		return
	}
	m[string(key)] = e
}

func shardOf(key []byte, n int) int {
	if n == 1 {
		return 0
	}
	return int(murmur3.Sum32WithSeed(key, shardSeed) % uint32(n))
}

// ResultMap is the final accession to taxid mapping. It is immutable and
// safe for concurrent reads.
type ResultMap struct {
	// shards holds the shard maps of a ConcurrentMap as they are, or a
	// single map for strategies that build one.
	shards []map[string]entry
}

func newResultMap(shards []map[string]entry) *ResultMap {
	if len(shards) == 0 {
		shards = []map[string]entry{{}}
	}
	return &ResultMap{shards: shards}
}

// Len is the number of distinct keys.
func (r *ResultMap) Len() int {
	n := 0
	for _, m := range r.shards {
		n += len(m)
	}
	return n
}

// Get returns the value stored for key.
func (r *ResultMap) Get(key string) (uint64, bool) {
	e, ok := r.shards[shardOf([]byte(key), len(r.shards))][key]
	return e.value, ok
}

// Range calls fn for every key in unspecified order, until fn returns
// false.
func (r *ResultMap) Range(fn func(key string, value uint64) bool) {
	for _, m := range r.shards {
		for k, e := range m {
			if !fn(k, e.value) {
				return
			}
		}
	}
}

// Map copies the result into a plain Go map.
func (r *ResultMap) Map() map[string]uint64 {
	out := make(map[string]uint64, r.Len())
	r.Range(func(k string, v uint64) bool {
		out[k] = v
		return true
	})
	return out
}

// Keys returns every key in sorted order.
func (r *ResultMap) Keys() []string {
	keys := make([]string, 0, r.Len())
	r.Range(func(k string, _ uint64) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Equal reports whether both maps hold the same keys with the same values.
func (r *ResultMap) Equal(o *ResultMap) bool {
	if r.Len() != o.Len() {
		return false
	}
	eq := true
	r.Range(func(k string, v uint64) bool {
		ov, ok := o.Get(k)
		eq = ok && ov == v
		return eq
	})
	return eq
}

// WriteTo writes the map as sorted "key<TAB>value" lines.
func (r *ResultMap) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var (
		n   int64
		buf []byte
	)
	for _, k := range r.Keys() {
		v, _ := r.Get(k)
		buf = append(buf[:0], k...)
		buf = append(buf, '\t')
		buf = strconv.AppendUint(buf, v, 10)
		buf = append(buf, '\n')
		m, err := bw.Write(buf)
		n += int64(m)
		if err != nil {
			return n, errors.E(err, "writing result map")
		}
	}
	return n, bw.Flush()
}
