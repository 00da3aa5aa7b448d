package lineframe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// rawBlock is one uncompressed block on its way to the archive.
type rawBlock struct {
	seq   int
	data  []byte
	lines int64
	sum   uint64
}

// Compress splits r into line-aligned blocks, compresses every block into
// its own frame on archive and returns the index describing the frames.
// The archive is written strictly in block order even when several workers
// compress concurrently. Any failure aborts the run: the partial archive
// must not be used.
func Compress(ctx context.Context, r io.Reader, archive io.Writer, opts CompressOptions) (*Index, Stats, error) {
	if err := opts.validate(); err != nil {
		return nil, Stats{}, err
	}
	c := &compressor{
		opts:  opts,
		split: NewSplitter(r, opts.BlockSize),
		aw:    newArchiveWriter(archive, opts.Codec, opts.BlockSize),
	}
	var err error
	if opts.Workers == 1 {
		err = c.serial(ctx)
	} else {
		err = c.parallel(ctx)
	}
	st := c.stats.snapshot()
	if err != nil {
		return nil, st, err
	}
	log.Debug.Printf("lineframe: compressed %s", st)
	return c.aw.idx, st, nil
}

type compressor struct {
	opts  CompressOptions
	split *Splitter
	aw    *archiveWriter
	seq   int
	stats counters
}

// next returns the next block, or io.EOF. If copyData is set the block
// owns its data; otherwise it aliases the splitter's buffer.
func (c *compressor) next(copyData bool) (*rawBlock, error) {
	data, err := c.split.Next()
	if err != nil {
		return nil, err
	}
	blk := &rawBlock{
		seq:   c.seq,
		data:  data,
		lines: int64(bytes.Count(data, []byte{'\n'})),
		sum:   xxhash.Sum64(data),
	}
	if data[len(data)-1] != '\n' {
		blk.lines++
	}
	c.seq++
	if c.split.Oversized() {
		atomic.AddInt64(&c.stats.oversized, 1)
		msg := fmt.Sprintf("line of %s exceeds the block size of %s",
			humanize.IBytes(uint64(c.split.LastLineLen())), humanize.IBytes(uint64(c.opts.BlockSize)))
		if c.opts.Oversized == OversizedFail {
			return nil, &BlockError{Failure: OversizedLine, Block: blk.seq, Line: int(blk.lines),
				Err: errors.E(errors.Invalid, msg)}
		}
		log.Printf("lineframe: block %d: %s; writing an oversized block", blk.seq, msg)
	}
	if copyData {
		blk.data = append([]byte(nil), data...)
	}
	return blk, nil
}

func (c *compressor) serial(ctx context.Context) error {
	enc, err := c.opts.Codec.newEncoder(c.opts.Level)
	if err != nil {
		return blockError(CompressionFailure, -1, err)
	}
	defer enc.Close()
	var frame []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := c.next(false)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		frame, err = enc.Encode(frame, blk.data)
		if err != nil {
			return blockError(CompressionFailure, blk.seq, err)
		}
		if err := c.aw.writeFrame(frame, blk); err != nil {
			return err
		}
		c.stats.block(int64(len(blk.data)), int64(len(frame)), blk.lines)
	}
}

type encodedBlock struct {
	*rawBlock
	frame []byte
}

// parallel runs a producer that splits the input, opts.Workers encoders,
// and a single collector that writes frames in block order. The number of
// blocks in flight is bounded, so memory stays proportional to the worker
// count even when one block is much slower to compress than the others.
func (c *compressor) parallel(ctx context.Context) error {
	var (
		n       = c.opts.Workers
		jobs    = make(chan *rawBlock, n)
		results = make(chan encodedBlock, n)
		tokens  = make(chan struct{}, 4*n)
		workers sync.WaitGroup
	)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			blk, err := c.next(true)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case jobs <- blk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	workers.Add(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer workers.Done()
			enc, err := c.opts.Codec.newEncoder(c.opts.Level)
			if err != nil {
				return blockError(CompressionFailure, -1, err)
			}
			defer enc.Close()
			for blk := range jobs {
				frame, err := enc.Encode(nil, blk.data)
				if err != nil {
					return blockError(CompressionFailure, blk.seq, err)
				}
				select {
				case results <- encodedBlock{blk, frame}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	g.Go(func() error {
		pending := make(map[int]encodedBlock)
		next := 0
		for res := range results {
			pending[res.seq] = res
			for {
				eb, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err := c.aw.writeFrame(eb.frame, eb.rawBlock); err != nil {
					return err
				}
				c.stats.block(int64(len(eb.data)), int64(len(eb.frame)), eb.lines)
				next++
				<-tokens
			}
		}
		if len(pending) != 0 && ctx.Err() == nil {
			return errors.E(fmt.Sprintf("lineframe: %d frames were never written", len(pending)))
		}
		return nil
	})
	return g.Wait()
}
