package lineframe

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/testutil/assert"
)

func TestMergeDisjoint(t *testing.T) {
	batches := [][]Entry{
		{{Record{"a", 1}, Position{0, 1}}, {Record{"b", 2}, Position{0, 2}}},
		{{Record{"c", 3}, Position{1, 1}}, {Record{"d", 4}, Position{1, 2}}},
	}
	exp := map[string]uint64{"a": 1, "b": 2, "c": 3, "d": 4}
	for _, s := range Strategies {
		m := Merge(batches, s, KeepLast)
		assert.EQ(t, m.Map(), exp, s)
		assert.EQ(t, m.Keys(), []string{"a", "b", "c", "d"})
	}
}

func TestMergeDuplicates(t *testing.T) {
	// The same key in three places, listed out of input order.
	batches := [][]Entry{
		{{Record{"k", 2}, Position{4, 1}}},
		{{Record{"k", 3}, Position{9, 7}}, {Record{"x", 0}, Position{9, 8}}},
		{{Record{"k", 1}, Position{0, 3}}},
	}
	for _, s := range Strategies {
		last := Merge(batches, s, KeepLast)
		v, ok := last.Get("k")
		assert.True(t, ok)
		assert.EQ(t, v, uint64(3), s)
		first := Merge(batches, s, KeepFirst)
		v, _ = first.Get("k")
		assert.EQ(t, v, uint64(1), s)
		assert.EQ(t, first.Len(), 2)
	}
}

func TestMergeEmpty(t *testing.T) {
	for _, s := range Strategies {
		assert.EQ(t, Merge(nil, s, KeepLast).Len(), 0)
		assert.EQ(t, Merge(make([][]Entry, 5), s, KeepLast).Len(), 0)
	}
}

// randomBatches deals the records of blocks at random over workers, the way
// a dynamic partition could.
func randomBatches(rng *rand.Rand, blocks, lines, keys, workers int) [][]Entry {
	batches := make([][]Entry, workers)
	for b := 0; b < blocks; b++ {
		w := rng.Intn(workers)
		for l := 1; l <= lines; l++ {
			e := Entry{Record{fmt.Sprintf("K%d", rng.Intn(keys)), uint64(rng.Intn(1000))}, Position{b, l}}
			batches[w] = append(batches[w], e)
		}
	}
	return batches
}

func TestMergeEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, workers := range []int{1, 2, 3, 5, 8} {
		batches := randomBatches(rng, 40, 50, 300, workers)
		for _, dup := range []DuplicatePolicy{KeepLast, KeepFirst} {
			// Reference: process records in input order.
			exp := make(map[string]uint64)
			var all []Entry
			for _, b := range batches {
				all = append(all, b...)
			}
			ordered := make([]Entry, len(all))
			copy(ordered, all)
			sort.Slice(ordered, func(i, j int) bool { return ordered[i].Pos.Before(ordered[j].Pos) })
			for _, e := range ordered {
				if _, ok := exp[e.Key]; ok && dup == KeepFirst {
					continue
				}
				exp[e.Key] = e.Value
			}
			for _, s := range Strategies {
				got := Merge(batches, s, dup).Map()
				assert.EQ(t, got, exp, fmt.Sprintf("workers=%d dup=%d strategy=%v", workers, dup, s))
			}
		}
	}
}

func TestMergeTreeOddWorkers(t *testing.T) {
	// Seven local maps need three levels, with a map carried over at
	// every level.
	batches := make([][]Entry, 7)
	for i := range batches {
		batches[i] = []Entry{
			{Record{fmt.Sprintf("w%d", i), uint64(i)}, Position{i, 1}},
			{Record{"shared", uint64(i)}, Position{i, 2}},
		}
	}
	m := Merge(batches, MergeTree, KeepLast)
	assert.EQ(t, m.Len(), 8)
	v, _ := m.Get("shared")
	assert.EQ(t, v, uint64(6))
}

func TestConcurrentMap(t *testing.T) {
	const workers, keys = 8, 500
	for _, shards := range []int{0, 1, 7, 64} {
		c := NewConcurrentMap(shards, KeepLast)
		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func(w int) {
				defer wg.Done()
				for k := 0; k < keys; k++ {
					c.Insert([]byte(fmt.Sprintf("key%d", k)), uint64(w), Position{w, k + 1})
				}
			}(w)
		}
		wg.Wait()
		assert.EQ(t, c.Len(), keys)
		for k := 0; k < keys; k++ {
			v, ok := c.Get(fmt.Sprintf("key%d", k))
			assert.True(t, ok)
			assert.EQ(t, v, uint64(workers-1))
		}
		n := 0
		c.Range(func(string, uint64) bool { n++; return n < 10 })
		assert.EQ(t, n, 10)

		r := c.Freeze()
		assert.EQ(t, r.Len(), keys)
		v, ok := r.Get("key42")
		assert.True(t, ok)
		assert.EQ(t, v, uint64(workers-1))
		_, ok = r.Get("missing")
		assert.True(t, !ok)
	}
}

func TestConcurrentMapKeyNotRetained(t *testing.T) {
	c := NewConcurrentMap(4, KeepLast)
	key := []byte("reused")
	c.Insert(key, 1, Position{0, 1})
	copy(key, "REUSED")
	c.Insert(key, 2, Position{0, 2})
	assert.EQ(t, c.Len(), 2)
	v, _ := c.Get("reused")
	assert.EQ(t, v, uint64(1))
}

func TestResultMapWriteTo(t *testing.T) {
	agg := NewAggregator(SharedMap, 2, KeepLast, 3)
	_ = traverse.Each(2, func(w int) error {
		c := agg.Collector(w)
		c.Add(Position{w, 1}, []byte(fmt.Sprintf("b%d", w)), uint64(10+w))
		c.Add(Position{w, 2}, []byte("a"), uint64(w))
		return nil
	})
	m := agg.Result()
	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	assert.NoError(t, err)
	assert.EQ(t, n, int64(buf.Len()))
	assert.EQ(t, buf.String(), "a\t1\nb0\t10\nb1\t11\n")

	other := Merge([][]Entry{{
		{Record{"b0", 10}, Position{0, 1}},
		{Record{"b1", 11}, Position{0, 2}},
		{Record{"a", 1}, Position{0, 3}},
	}}, Vector, KeepLast)
	assert.True(t, m.Equal(other))
	assert.True(t, other.Equal(m))
	assert.True(t, !m.Equal(Merge(nil, Vector, KeepLast)))
}
