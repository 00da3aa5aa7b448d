package lineframe

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
)

// OversizedPolicy decides what happens when a single line is longer than
// the target block size.
type OversizedPolicy int

const (
	// OversizedAllow emits the line in one larger block and counts it.
	OversizedAllow OversizedPolicy = iota
	// OversizedFail aborts compression with an OversizedLine failure.
	OversizedFail
)

// MalformedPolicy decides what happens to a line that does not parse as a
// key/value record.
type MalformedPolicy int

const (
	// MalformedAbort fails the whole run; no result map is produced.
	MalformedAbort MalformedPolicy = iota
	// MalformedSkip leaves the line out of the result and counts it.
	MalformedSkip
)

// DuplicatePolicy decides which value is kept when a key occurs more than
// once. The winner depends only on the records' positions in the input, so
// every strategy and worker count agrees on it.
type DuplicatePolicy int

const (
	// KeepLast keeps the occurrence closest to the end of the input, as if
	// the file had been read top to bottom into a map.
	KeepLast DuplicatePolicy = iota
	// KeepFirst keeps the occurrence closest to the start of the input.
	KeepFirst
)

// Strategy selects how per-worker results are combined.
type Strategy int

const (
	// SharedMap has every worker insert into one sharded concurrent map.
	SharedMap Strategy = iota
	// Vector has workers collect records locally; the result map is built
	// in one pass over all of them once every worker is done.
	Vector
	// MergeTree has every worker build a local map; the maps are then
	// combined by a balanced pairwise reduction.
	MergeTree
)

var strategyNames = []string{"shared", "vector", "merge"}

func (s Strategy) String() string {
	if int(s) >= 0 && int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Strategies lists every merge strategy.
var Strategies = []Strategy{SharedMap, Vector, MergeTree}

// ParseStrategy parses a strategy name. "dashmap" is accepted as an alias
// for the shared map.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "shared", "sharedmap", "dashmap":
		return SharedMap, nil
	case "vector":
		return Vector, nil
	case "merge", "mergetree":
		return MergeTree, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown merge strategy %q", s))
}

// PartitionKind selects how blocks are assigned to workers.
type PartitionKind int

const (
	// RoundRobin deals blocks to workers like cards.
	RoundRobin PartitionKind = iota
	// Contiguous gives each worker one run of consecutive blocks.
	Contiguous
	// Dynamic lets idle workers pull the next unclaimed block.
	Dynamic
)

// CompressOptions configures Compress.
//
//   - BlockSize: target uncompressed size of a block in bytes
//   - Codec:     frame compressor
//   - Level:     1 (fast) to 9 (best); 0 is the codec default
//   - Workers:   blocks compressed concurrently; 1 disables the pipeline
//   - Oversized: what to do with lines longer than BlockSize
type CompressOptions struct {
	BlockSize int
	Codec     Codec
	Level     int
	Workers   int
	Oversized OversizedPolicy
}

// DefaultCompressOptions returns the options used when none are given.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		BlockSize: DefaultBlockSize,
		Codec:     Zstd,
		Workers:   runtime.NumCPU(),
		Oversized: OversizedAllow,
	}
}

func (o *CompressOptions) validate() error {
	if o.BlockSize <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("block size must be positive, got %d", o.BlockSize))
	}
	if o.Codec == 0 {
		o.Codec = Zstd
	}
	if !o.Codec.valid() {
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported codec %v", o.Codec))
	}
	if o.Level < 0 || o.Level > 9 {
		return errors.E(errors.Invalid, fmt.Sprintf("compression level %d out of range 1..9", o.Level))
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	return nil
}

// DecompressOptions configures Decompress.
//
//   - Workers:    number of parallel workers, at least 1
//   - Strategy:   how worker results are merged
//   - Partition:  how blocks are assigned to workers
//   - Delimiter:  field separator of a record line
//   - Malformed:  skip or abort on unparsable lines
//   - Duplicates: which occurrence of a repeated key wins
//   - BestEffort: return the map built from the blocks that succeeded
//     along with the failures, instead of no map at all
//   - Shards:     shard count of the shared map (0 picks one from Workers)
//
// Whether frames are read through a memory mapping is decided when the
// archive is opened; see Open.
type DecompressOptions struct {
	Workers    int
	Strategy   Strategy
	Partition  PartitionKind
	Delimiter  byte
	Malformed  MalformedPolicy
	Duplicates DuplicatePolicy
	BestEffort bool
	Shards     int
}

// DefaultDecompressOptions returns the options used when none are given:
// one worker per CPU, the merge tree strategy, round-robin partitioning,
// tab-separated records, abort on malformed lines and last-occurrence-wins.
func DefaultDecompressOptions() DecompressOptions {
	return DecompressOptions{
		Workers:    runtime.NumCPU(),
		Strategy:   MergeTree,
		Partition:  RoundRobin,
		Delimiter:  '\t',
		Malformed:  MalformedAbort,
		Duplicates: KeepLast,
	}
}

func (o *DecompressOptions) validate() error {
	if o.Workers <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("worker count must be positive, got %d", o.Workers))
	}
	if o.Strategy < SharedMap || o.Strategy > MergeTree {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown merge strategy %d", o.Strategy))
	}
	if o.Delimiter == 0 {
		o.Delimiter = '\t'
	}
	if o.Delimiter == '\n' {
		return errors.E(errors.Invalid, "the field delimiter cannot be the line terminator")
	}
	return nil
}

// ParseSize parses a byte count such as "200", "64k", "128MiB" or "1.5GB".
func ParseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.E(errors.Invalid, err, fmt.Sprintf("invalid size %q", s))
	}
	if n == 0 || n > uint64(maxBlockSize) {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("size %q out of range", s))
	}
	return int(n), nil
}

// maxBlockSize keeps a block addressable by an int on every platform.
const maxBlockSize = 1<<31 - 1
