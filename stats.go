package lineframe

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats summarizes a compression or decompression run.
type Stats struct {
	// Blocks is the number of blocks written or successfully processed.
	Blocks int64
	// Records is the number of records added to the result map, or the
	// number of lines written when compressing.
	Records int64
	// Malformed counts lines skipped under MalformedSkip.
	Malformed int64
	// Oversized counts blocks holding a line longer than the block size.
	Oversized int64
	// Failed counts blocks that could not be processed.
	Failed int64
	// RawBytes and FrameBytes are the uncompressed and compressed volumes.
	RawBytes   int64
	FrameBytes int64
}

// Ratio is the compression ratio, raw over compressed.
func (s Stats) Ratio() float64 {
	if s.FrameBytes == 0 {
		return 0
	}
	return float64(s.RawBytes) / float64(s.FrameBytes)
}

func (s Stats) String() string {
	return fmt.Sprintf("%d blocks, %d records, %s -> %s (%.2fx), %d malformed, %d oversized, %d failed",
		s.Blocks, s.Records,
		humanize.IBytes(uint64(s.RawBytes)), humanize.IBytes(uint64(s.FrameBytes)), s.Ratio(),
		s.Malformed, s.Oversized, s.Failed)
}

// counters is the concurrently updated form of Stats.
type counters struct {
	blocks, records, malformed, oversized, failed, raw, frame int64
}

func (c *counters) block(raw, frame, records int64) {
	atomic.AddInt64(&c.blocks, 1)
	atomic.AddInt64(&c.raw, raw)
	atomic.AddInt64(&c.frame, frame)
	atomic.AddInt64(&c.records, records)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Blocks:     atomic.LoadInt64(&c.blocks),
		Records:    atomic.LoadInt64(&c.records),
		Malformed:  atomic.LoadInt64(&c.malformed),
		Oversized:  atomic.LoadInt64(&c.oversized),
		Failed:     atomic.LoadInt64(&c.failed),
		RawBytes:   atomic.LoadInt64(&c.raw),
		FrameBytes: atomic.LoadInt64(&c.frame),
	}
}
