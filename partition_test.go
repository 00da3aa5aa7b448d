package lineframe

import (
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/testutil/assert"
)

func TestPartition(t *testing.T) {
	assert.EQ(t, Partition(RoundRobin, 3, 8), [][]int{{0, 3, 6}, {1, 4, 7}, {2, 5}})
	assert.EQ(t, Partition(Contiguous, 3, 8), [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7}})
	assert.EQ(t, Partition(Contiguous, 4, 2), [][]int{{0}, {1}, {}, {}})

	for _, kind := range []PartitionKind{RoundRobin, Contiguous} {
		for workers := 1; workers <= 9; workers++ {
			for blocks := 0; blocks <= 30; blocks++ {
				parts := Partition(kind, workers, blocks)
				assert.EQ(t, len(parts), workers)
				var all []int
				lo, hi := blocks, 0
				for _, p := range parts {
					all = append(all, p...)
					if len(p) < lo {
						lo = len(p)
					}
					if len(p) > hi {
						hi = len(p)
					}
				}
				sort.Ints(all)
				for i, b := range all {
					if b != i {
						t.Fatalf("%v %d/%d: block %d assigned %v", kind, workers, blocks, i, all)
					}
				}
				assert.EQ(t, len(all), blocks)
				if blocks > 0 && hi-lo > 1 {
					t.Errorf("%v %d/%d: unbalanced %v", kind, workers, blocks, parts)
				}
			}
		}
	}
}

func TestAssignmentsDynamic(t *testing.T) {
	const workers, blocks = 8, 1000
	work := assignments(Dynamic, workers, blocks)
	var (
		mu   sync.Mutex
		seen = make([]int, blocks)
		wg   sync.WaitGroup
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for {
				b, ok := work[w]()
				if !ok {
					return
				}
				mu.Lock()
				seen[b]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	for b, n := range seen {
		if n != 1 {
			t.Errorf("block %d taken %d times", b, n)
		}
	}
}

func TestAssignmentsStatic(t *testing.T) {
	work := assignments(RoundRobin, 2, 5)
	var got [][]int
	for _, next := range work {
		var blocks []int
		for b, ok := next(); ok; b, ok = next() {
			blocks = append(blocks, b)
		}
		got = append(got, blocks)
	}
	assert.EQ(t, got, [][]int{{0, 2, 4}, {1, 3}})
}
