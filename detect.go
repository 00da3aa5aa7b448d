package lineframe

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// sniffCodec identifies a frame from its first bytes.
func sniffCodec(head []byte) (Codec, bool) {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd, true
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, true
	}
	return 0, false
}

// DetectCodec reads the first bytes of r and reports which codec produced
// them. It returns an error wrapping errors.NotSupported if the stream is
// neither zstd nor gzip, and io.EOF for an empty stream.
//
// Since every archive frame is an ordinary zstd frame or gzip member, this
// recognizes plain .zst and .gz files as well; that is what Convert relies on.
func DetectCodec(r io.Reader) (Codec, error) {
	var head [4]byte
	n, err := io.ReadFull(r, head[:])
	if n == 0 {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, blockError(IoFailure, -1, errors.E(err, "reading stream header"))
	}
	if c, ok := sniffCodec(head[:n]); ok {
		return c, nil
	}
	return 0, errors.E(errors.NotSupported, fmt.Sprintf("unrecognized stream header % x", head[:n]))
}

// CheckArchive verifies that the archive at ra, of the given size, is the
// one described by the index: the sizes must agree and every frame must
// start with the magic of the index's codec. A mismatch is a CorruptIndex
// failure, reported before any decompression work starts.
func CheckArchive(ra io.ReaderAt, size int64, x *Index) error {
	if err := x.Validate(size); err != nil {
		return err
	}
	var head [4]byte
	for i, b := range x.Blocks {
		n := len(head)
		if b.CompressedLength < int64(n) {
			n = int(b.CompressedLength)
		}
		if _, err := ra.ReadAt(head[:n], b.Offset); err != nil {
			return blockError(IoFailure, i, errors.E(err, "reading frame header"))
		}
		if c, ok := sniffCodec(head[:n]); !ok || c != x.Codec {
			return &BlockError{Failure: CorruptIndex, Block: i,
				Err: errors.E(errors.Integrity, fmt.Sprintf("index/archive mismatch: no %v frame at offset %d", x.Codec, b.Offset))}
		}
	}
	return nil
}
