// Package lineframe implements parallel decompression of line-aligned
// compressed archives.
//
// # Abstract
//
// This package compresses large line-oriented tabular files (for example an
// accession to taxid table) into an archive made of independently
// compressed frames, plus a small companion index. Block boundaries always
// fall right after a line terminator, so any frame can be decompressed and
// parsed on its own. This allows decompressing with many workers in
// parallel, each one turning its blocks into key/value records, and merging
// the records into a single lookup table at the end.
//
// Every frame is a normal zstd frame (or gzip member), so the archive is
// also a valid .zst (or .gz) file: "zstd -d" and "zcat" decompress it whole,
// without knowing about the index.
//
// # How to use
//
// Compress takes the input as an io.Reader and writes the archive, returning
// the Index, which is then saved with WriteIndex. NewWriter offers the same
// as an io.WriteCloser.
//
// To build the lookup table, Open the archive and its index and call
// Decompress, choosing the number of workers and the merge strategy:
//
//   - SharedMap: all workers insert into one sharded ConcurrentMap. There is
//     no merge phase, but workers contend on the shard locks.
//   - Vector: each worker appends records to its own slice; the map is built
//     in one pass once every worker is done. No synchronization while
//     parsing, but all records are in memory at once.
//   - MergeTree: each worker builds its own map; the maps are merged pairwise
//     in a balanced tree, each level in parallel.
//
// All strategies produce the same map. When a key appears more than once,
// the DuplicatePolicy decides by input position which occurrence wins, so
// neither the strategy nor the worker count nor the scheduling can change
// the result.
//
// Cat rebuilds the original file, Verify checks every frame against the
// index, and Reader reads the archive sequentially or seeks to a block.
//
// # Command line tool
//
// The cmd/lineframe directory contains a command line tool that behaves
// like gzip: it compresses by default, writing FILE.zst and FILE.zst.idx.
//
//	$ lineframe -k -b 128MiB accession2taxid.tsv
//	$ lineframe -d -j 8 -s merge -o table.tsv accession2taxid.tsv.zst
//	$ lineframe --cat accession2taxid.tsv.zst
//	$ lineframe -t accession2taxid.tsv.zst
//
// # Description of the format
//
// The splitter reads whole lines until at least the target block size has
// been collected; the block is then closed after the line that crossed the
// threshold. A line longer than the block size makes a larger block of its
// own (or fails the run, see OversizedPolicy).
//
// The index starts with a header recording the codec and the target block
// size, then lists for every frame its offset in the archive, compressed
// and uncompressed length, number of lines and the XXH64 checksum of the
// uncompressed block; a trailing checksum protects the index itself. Frames
// must follow each other exactly, starting at offset 0, and the last one
// must end at the end of the archive: anything else is reported as a corrupt
// index before decompression starts.
package lineframe
