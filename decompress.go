package lineframe

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Open opens an archive together with its index and checks that they
// belong together. The index is read completely before anything else
// happens and is not modified afterwards. With useMmap the frames are read
// from a memory mapping of the archive.
func Open(archivePath, indexPath string, useMmap bool) (*Archive, *Index, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, nil, blockError(IoFailure, -1, errors.E(err, "opening index"))
	}
	idx, err := ReadIndex(f)
	f.Close()
	if err != nil {
		return nil, nil, err
	}
	a, err := OpenArchive(archivePath, useMmap)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckArchive(a, a.Size(), idx); err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, idx, nil
}

// Decompress decodes and parses every block of the archive with
// opts.Workers parallel workers and merges their records with
// opts.Strategy.
//
// Each worker owns its decoder and buffers; blocks are independent, so no
// worker ever waits for another. Per-block failures are collected and
// returned, as a Failures error, only after every worker has stopped. Unless
// opts.BestEffort is set, any failure cancels the remaining work and no map
// is returned; a malformed record under MalformedAbort never yields a map.
func Decompress(ctx context.Context, archive io.ReaderAt, idx *Index, opts DecompressOptions) (*ResultMap, Stats, error) {
	if err := opts.validate(); err != nil {
		return nil, Stats{}, err
	}
	if err := idx.Validate(-1); err != nil {
		return nil, Stats{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		agg      = NewAggregator(opts.Strategy, opts.Workers, opts.Duplicates, opts.Shards)
		work     = assignments(opts.Partition, opts.Workers, len(idx.Blocks))
		stats    counters
		mu       sync.Mutex
		failures Failures
		aborted  bool
	)
	fail := func(e *BlockError, abort bool) {
		log.Error.Printf("%v", e)
		atomic.AddInt64(&stats.failed, 1)
		mu.Lock()
		failures = append(failures, e)
		aborted = aborted || abort
		mu.Unlock()
		if abort || !opts.BestEffort {
			cancel()
		}
	}

	err := traverse.Limit(opts.Workers).Each(opts.Workers, func(w int) error {
		br, err := newBlockReader(archive, idx.Codec)
		if err != nil {
			return err
		}
		defer br.Close()
		col := agg.Collector(w)
		for runCtx.Err() == nil {
			b, ok := work[w]()
			if !ok {
				return nil
			}
			d := idx.Blocks[b]
			buf, err := br.read(b, d)
			if err != nil {
				fail(err.(*BlockError), false)
				continue
			}
			var records, malformed int64
			err = ParseBlock(b, buf, opts.Delimiter,
				func(line int, key []byte, value uint64) {
					col.Add(Position{b, line}, key, value)
					records++
				},
				func(e *BlockError) error {
					if opts.Malformed == MalformedAbort {
						return e
					}
					log.Debug.Printf("lineframe: skipping %v", e)
					malformed++
					return nil
				})
			if err != nil {
				fail(err.(*BlockError), true)
				return nil
			}
			atomic.AddInt64(&stats.malformed, malformed)
			stats.block(d.UncompressedLength, d.CompressedLength, records)
			log.Debug.Printf("lineframe: worker %d: block %d: %d records", w, b, records)
		}
		return nil
	})
	st := stats.snapshot()
	if err != nil {
		return nil, st, err
	}
	if err := ctx.Err(); err != nil {
		return nil, st, err
	}
	if st.Malformed > 0 {
		log.Printf("lineframe: skipped %d malformed records", st.Malformed)
	}
	if len(failures) == 0 {
		return agg.Result(), st, nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Block < failures[j].Block })
	if aborted || !opts.BestEffort {
		return nil, st, failures
	}
	return agg.Result(), st, failures
}

// Cat writes the original input to w by decoding blocks with the given
// number of workers. Blocks are decoded a window of workers at a time and
// written in order.
func Cat(ctx context.Context, archive io.ReaderAt, idx *Index, w io.Writer, workers int) error {
	if workers < 1 {
		workers = 1
	}
	readers := make([]*blockReader, workers)
	for i := range readers {
		br, err := newBlockReader(archive, idx.Codec)
		if err != nil {
			return err
		}
		defer br.Close()
		readers[i] = br
	}
	bufs := make([][]byte, workers)
	for start := 0; start < len(idx.Blocks); start += workers {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := len(idx.Blocks) - start
		if n > workers {
			n = workers
		}
		err := traverse.Each(n, func(i int) error {
			var err error
			bufs[i], err = readers[i].read(start+i, idx.Blocks[start+i])
			return err
		})
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := w.Write(bufs[i]); err != nil {
				return blockError(IoFailure, start+i, errors.E(err, "writing output"))
			}
		}
	}
	return nil
}

// Verify decodes every block and checks it against the index: decoded
// size, checksum, and that every block but the last ends with a line
// terminator. All failures are reported together.
func Verify(ctx context.Context, archive io.ReaderAt, idx *Index, workers int) (Stats, error) {
	if err := idx.Validate(-1); err != nil {
		return Stats{}, err
	}
	if workers < 1 {
		workers = 1
	}
	var (
		stats    counters
		mu       sync.Mutex
		failures Failures
		work     = assignments(Dynamic, workers, len(idx.Blocks))
	)
	err := traverse.Limit(workers).Each(workers, func(w int) error {
		br, err := newBlockReader(archive, idx.Codec)
		if err != nil {
			return err
		}
		defer br.Close()
		for ctx.Err() == nil {
			b, ok := work[w]()
			if !ok {
				return nil
			}
			d := idx.Blocks[b]
			buf, err := br.read(b, d)
			if err == nil && b < len(idx.Blocks)-1 && buf[len(buf)-1] != '\n' {
				err = blockError(DecompressionFailure, b,
					errors.E(errors.Integrity, "block does not end at a line boundary"))
			}
			if err != nil {
				atomic.AddInt64(&stats.failed, 1)
				mu.Lock()
				failures = append(failures, err.(*BlockError))
				mu.Unlock()
				continue
			}
			stats.block(d.UncompressedLength, d.CompressedLength, d.Records)
		}
		return ctx.Err()
	})
	st := stats.snapshot()
	if err != nil {
		return st, err
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Block < failures[j].Block })
		return st, failures
	}
	return st, nil
}
