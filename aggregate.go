package lineframe

import (
	"github.com/grailbio/base/traverse"
)

// Entry is a record together with where it was found in the input.
type Entry struct {
	Record
	Pos Position
}

// A Collector receives the records parsed by one worker. Each collector is
// used by a single goroutine; the key is only borrowed for the call.
type Collector interface {
	Add(pos Position, key []byte, value uint64)
}

// An Aggregator combines the records of every worker into one ResultMap.
// All strategies give the same content for the same input and duplicate
// policy, whatever the worker count or scheduling.
type Aggregator interface {
	// Collector returns the collector of the given worker.
	Collector(worker int) Collector
	// Result combines what was collected. It must be called only once,
	// after every worker has finished.
	Result() *ResultMap
}

// NewAggregator returns an aggregator for the given strategy and number of
// workers. Shards is only used by SharedMap; 0 picks a shard count from the
// worker count.
func NewAggregator(s Strategy, workers int, dup DuplicatePolicy, shards int) Aggregator {
	switch s {
	case SharedMap:
		if shards <= 0 {
			shards = 16 * workers
		}
		return &sharedAggregator{NewConcurrentMap(shards, dup)}
	case Vector:
		return &vectorAggregator{dup: dup, batches: make([][]Entry, workers)}
	default:
		a := &mergeAggregator{dup: dup, locals: make([]map[string]entry, workers)}
		for i := range a.locals {
			a.locals[i] = make(map[string]entry)
		}
		return a
	}
}

// Merge combines already parsed per-worker batches with the given strategy.
// Each batch is fed to its own collector concurrently.
func Merge(batches [][]Entry, s Strategy, dup DuplicatePolicy) *ResultMap {
	agg := NewAggregator(s, len(batches), dup, 0)
	// The callbacks never fail.
	traverse.Each(len(batches), func(i int) error {
		c := agg.Collector(i)
		for _, e := range batches[i] {
			c.Add(e.Pos, []byte(e.Key), e.Value)
		}
		return nil
	})
	return agg.Result()
}

type sharedAggregator struct {
	m *ConcurrentMap
}

func (a *sharedAggregator) Collector(int) Collector { return sharedCollector{a.m} }

func (a *sharedAggregator) Result() *ResultMap { return a.m.Freeze() }

type sharedCollector struct{ m *ConcurrentMap }

func (c sharedCollector) Add(pos Position, key []byte, value uint64) {
	c.m.Insert(key, value, pos)
}

type vectorAggregator struct {
	dup     DuplicatePolicy
	batches [][]Entry
}

func (a *vectorAggregator) Collector(i int) Collector { return &vectorCollector{&a.batches[i]} }

// Result flattens every batch into one map in a single pass. All records
// are held in memory at once before the map exists.
func (a *vectorAggregator) Result() *ResultMap {
	total := 0
	for _, b := range a.batches {
		total += len(b)
	}
	m := make(map[string]entry, total)
	for i, b := range a.batches {
		for _, e := range b {
			a.dup.put(m, e.Key, entry{e.Value, e.Pos})
		}
		a.batches[i] = nil
	}
	return newResultMap([]map[string]entry{m})
}

type vectorCollector struct{ batch *[]Entry }

func (c *vectorCollector) Add(pos Position, key []byte, value uint64) {
	*c.batch = append(*c.batch, Entry{Record{string(key), value}, pos})
}

type mergeAggregator struct {
	dup    DuplicatePolicy
	locals []map[string]entry
}

func (a *mergeAggregator) Collector(i int) Collector {
	return mapCollector{a.locals[i], a.dup}
}

// Result reduces the local maps pairwise, level by level: at each level map
// 2i+1 is merged into map 2i, and the merges of a level run in parallel.
// Every merge inserts the smaller map into the larger one.
func (a *mergeAggregator) Result() *ResultMap {
	maps := a.locals
	a.locals = nil
	for len(maps) > 1 {
		pairs := len(maps) / 2
		traverse.Each(pairs, func(i int) error { // never fails
			maps[2*i] = mergeMaps(maps[2*i], maps[2*i+1], a.dup)
			maps[2*i+1] = nil
			return nil
		})
		next := maps[:0]
		for i := 0; i < len(maps); i += 2 {
			next = append(next, maps[i])
		}
		maps = next
	}
	return newResultMap(maps)
}

func mergeMaps(x, y map[string]entry, dup DuplicatePolicy) map[string]entry {
	if len(y) > len(x) {
		x, y = y, x
	}
	for k, e := range y {
		dup.put(x, k, e)
	}
	return x
}

type mapCollector struct {
	m   map[string]entry
	dup DuplicatePolicy
}

func (c mapCollector) Add(pos Position, key []byte, value uint64) {
	c.dup.putBytes(c.m, key, entry{value, pos})
}
