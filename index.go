package lineframe

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
)

// Index wire format (version 1), all integers little-endian:
//
//	magic[4]  = "LFIX"
//	version   = uint16
//	codec     = uint8
//	reserved  = uint8
//	blockSize = uint64
//	count     = uint64
//	repeat count times:
//	  offset, compressedLength, uncompressedLength, records, checksum = uint64
//	trailer   = uint64, XXH64 of every preceding byte
const (
	indexMagic      = "LFIX"
	indexVersion    = uint16(1)
	indexHeaderSize = 4 + 2 + 1 + 1 + 8 + 8
	indexEntrySize  = 5 * 8

	// maxIndexBlocks rejects implausible block counts outright.
	maxIndexBlocks = 1 << 28
	// indexPrealloc caps the capacity reserved from the header's count;
	// beyond it the slice only grows with entries actually read.
	indexPrealloc = 1 << 16
)

// BlockDescriptor locates one frame inside the archive.
type BlockDescriptor struct {
	// Offset is where the frame starts in the archive.
	Offset int64 `json:"offset"`
	// CompressedLength is the size of the frame.
	CompressedLength int64 `json:"compressed_length"`
	// UncompressedLength is the size of the block once decoded.
	UncompressedLength int64 `json:"uncompressed_length"`
	// Records is the number of lines in the block.
	Records int64 `json:"records"`
	// Checksum is the XXH64 of the uncompressed block.
	Checksum uint64 `json:"checksum"`
}

// End is the archive offset just past the frame.
func (d BlockDescriptor) End() int64 { return d.Offset + d.CompressedLength }

// Index describes every frame of an archive, in archive order. It is built
// once by Compress or loaded once by ReadIndex and never modified after.
type Index struct {
	BlockSize int64             `json:"block_size"`
	Codec     Codec             `json:"-"`
	Blocks    []BlockDescriptor `json:"blocks"`
}

// ArchiveSize is the total size of the archive the index describes.
func (x *Index) ArchiveSize() int64 {
	if len(x.Blocks) == 0 {
		return 0
	}
	return x.Blocks[len(x.Blocks)-1].End()
}

// UncompressedSize is the size of the original input.
func (x *Index) UncompressedSize() int64 {
	var n int64
	for _, b := range x.Blocks {
		n += b.UncompressedLength
	}
	return n
}

// Records is the total number of lines in the original input.
func (x *Index) Records() int64 {
	var n int64
	for _, b := range x.Blocks {
		n += b.Records
	}
	return n
}

// MarshalJSON renders the index with the codec by name.
func (x *Index) MarshalJSON() ([]byte, error) {
	type plain Index
	return json.Marshal(struct {
		Codec string `json:"codec"`
		*plain
	}{x.Codec.String(), (*plain)(x)})
}

// Validate checks the structural invariants of the index: frames are non
// empty, start at offset 0 and follow each other without gaps or overlap.
// If archiveSize is non-negative, the last frame must also end exactly
// there.
func (x *Index) Validate(archiveSize int64) error {
	if !x.Codec.valid() {
		return corruptIndex("unknown codec %d", x.Codec)
	}
	if x.BlockSize <= 0 {
		return corruptIndex("invalid block size %d", x.BlockSize)
	}
	var next int64
	for i, b := range x.Blocks {
		switch {
		case b.CompressedLength <= 0 || b.UncompressedLength <= 0:
			return &BlockError{Failure: CorruptIndex, Block: i,
				Err: errors.E(errors.Integrity, "empty frame")}
		case b.Offset < next:
			return &BlockError{Failure: CorruptIndex, Block: i,
				Err: errors.E(errors.Integrity, "frame overlaps its predecessor")}
		case b.Offset > next:
			return &BlockError{Failure: CorruptIndex, Block: i,
				Err: errors.E(errors.Integrity, "gap before frame")}
		}
		next = b.End()
	}
	if archiveSize >= 0 && next != archiveSize {
		return corruptIndex("index covers %d bytes but archive has %d", next, archiveSize)
	}
	return nil
}

// WriteIndex serializes the index to w.
func WriteIndex(w io.Writer, x *Index) error {
	bw := bufio.NewWriter(w)
	h := xxhash.New()
	out := io.MultiWriter(bw, h)

	var hdr [indexHeaderSize]byte
	copy(hdr[:4], indexMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], indexVersion)
	hdr[6] = byte(x.Codec)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(x.BlockSize))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(x.Blocks)))
	if _, err := out.Write(hdr[:]); err != nil {
		return blockError(IoFailure, -1, errors.E(err, "writing index"))
	}
	var ent [indexEntrySize]byte
	for _, b := range x.Blocks {
		binary.LittleEndian.PutUint64(ent[0:8], uint64(b.Offset))
		binary.LittleEndian.PutUint64(ent[8:16], uint64(b.CompressedLength))
		binary.LittleEndian.PutUint64(ent[16:24], uint64(b.UncompressedLength))
		binary.LittleEndian.PutUint64(ent[24:32], uint64(b.Records))
		binary.LittleEndian.PutUint64(ent[32:40], b.Checksum)
		if _, err := out.Write(ent[:]); err != nil {
			return blockError(IoFailure, -1, errors.E(err, "writing index"))
		}
	}
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], h.Sum64())
	if _, err := bw.Write(trailer[:]); err != nil {
		return blockError(IoFailure, -1, errors.E(err, "writing index"))
	}
	if err := bw.Flush(); err != nil {
		return blockError(IoFailure, -1, errors.E(err, "writing index"))
	}
	return nil
}

// ReadIndex loads an index written by WriteIndex. It does not look at the
// archive; use Validate or CheckArchive for that.
func ReadIndex(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	h := xxhash.New()
	in := io.TeeReader(br, h)

	var hdr [indexHeaderSize]byte
	if err := readFull(in, hdr[:], "header"); err != nil {
		return nil, err
	}
	if string(hdr[:4]) != indexMagic {
		return nil, corruptIndex("bad magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != indexVersion {
		return nil, corruptIndex("unsupported version %d", v)
	}
	x := &Index{
		Codec:     Codec(hdr[6]),
		BlockSize: int64(binary.LittleEndian.Uint64(hdr[8:16])),
	}
	count := binary.LittleEndian.Uint64(hdr[16:24])
	if count > maxIndexBlocks {
		return nil, corruptIndex("implausible block count %d", count)
	}
	x.Blocks = make([]BlockDescriptor, 0, min(count, indexPrealloc))
	var ent [indexEntrySize]byte
	for i := uint64(0); i < count; i++ {
		if err := readFull(in, ent[:], "block entry"); err != nil {
			return nil, err
		}
		x.Blocks = append(x.Blocks, BlockDescriptor{
			Offset:             int64(binary.LittleEndian.Uint64(ent[0:8])),
			CompressedLength:   int64(binary.LittleEndian.Uint64(ent[8:16])),
			UncompressedLength: int64(binary.LittleEndian.Uint64(ent[16:24])),
			Records:            int64(binary.LittleEndian.Uint64(ent[24:32])),
			Checksum:           binary.LittleEndian.Uint64(ent[32:40]),
		})
	}
	sum := h.Sum64()
	var trailer [8]byte
	if err := readFull(br, trailer[:], "trailer"); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(trailer[:]) != sum {
		return nil, corruptIndex("checksum mismatch")
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, corruptIndex("trailing data after index")
	}
	if err := x.Validate(-1); err != nil {
		return nil, err
	}
	return x, nil
}

func readFull(r io.Reader, buf []byte, what string) error {
	_, err := io.ReadFull(r, buf)
	switch err {
	case nil:
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		return corruptIndex("truncated %s", what)
	}
	return blockError(IoFailure, -1, errors.E(err, "reading index"))
}
