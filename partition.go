package lineframe

import "sync/atomic"

// Partition assigns block indices 0..blocks-1 to workers. With RoundRobin,
// worker w gets blocks w, w+workers, w+2*workers, and so on; with
// Contiguous, each worker gets one run of consecutive blocks, the first
// blocks%workers runs being one block longer. The assignment never affects
// the result, only how evenly the work is spread: since frames compress
// differently, round robin is the safer default.
func Partition(kind PartitionKind, workers, blocks int) [][]int {
	parts := make([][]int, workers)
	if workers == 0 {
		return parts
	}
	switch kind {
	case Contiguous:
		size, extra := blocks/workers, blocks%workers
		start := 0
		for w := range parts {
			n := size
			if w < extra {
				n++
			}
			parts[w] = make([]int, n)
			for i := range parts[w] {
				parts[w][i] = start + i
			}
			start += n
		}
	default:
		for w := range parts {
			parts[w] = make([]int, 0, blocks/workers+1)
		}
		for b := 0; b < blocks; b++ {
			parts[b%workers] = append(parts[b%workers], b)
		}
	}
	return parts
}

// A workQueue hands out block indices to whichever worker asks first.
type workQueue struct {
	next   int64
	blocks int64
}

// take returns the next unclaimed block, or false once all are claimed.
func (q *workQueue) take() (int, bool) {
	i := atomic.AddInt64(&q.next, 1) - 1
	if i >= q.blocks {
		return 0, false
	}
	return int(i), true
}

// assignment yields the blocks one worker must process.
type assignment func() (int, bool)

// assignments returns one block source per worker for the given kind.
func assignments(kind PartitionKind, workers, blocks int) []assignment {
	out := make([]assignment, workers)
	if kind == Dynamic {
		q := &workQueue{blocks: int64(blocks)}
		for w := range out {
			out[w] = q.take
		}
		return out
	}
	for w, part := range Partition(kind, workers, blocks) {
		part := part
		out[w] = func() (int, bool) {
			if len(part) == 0 {
				return 0, false
			}
			b := part[0]
			part = part[1:]
			return b, true
		}
	}
	return out
}
