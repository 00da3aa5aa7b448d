package lineframe

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// Archive is an archive file opened for reading. It is safe for concurrent
// use: reads are positional (pread) or served from a read-only memory
// mapping, so workers never share a file cursor.
type Archive struct {
	f    *os.File
	size int64
	mmap []byte
}

// OpenArchive opens the archive at path. If useMmap is set the file is
// mapped into memory and frames are decoded straight from the mapping.
func OpenArchive(path string, useMmap bool) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, blockError(IoFailure, -1, errors.E(err, "opening archive"))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, blockError(IoFailure, -1, errors.E(err, "stat archive"))
	}
	a := &Archive{f: f, size: fi.Size()}
	if useMmap && a.size > 0 {
		a.mmap, err = unix.Mmap(int(f.Fd()), 0, int(a.size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, blockError(IoFailure, -1, errors.E(err, "mmap archive"))
		}
	}
	return a, nil
}

// Size is the size of the archive file.
func (a *Archive) Size() int64 { return a.size }

// File returns the underlying file.
func (a *Archive) File() *os.File { return a.f }

// ReadAt implements io.ReaderAt.
func (a *Archive) ReadAt(p []byte, off int64) (int, error) {
	if a.mmap == nil {
		return a.f.ReadAt(p, off)
	}
	if off < 0 || off > int64(len(a.mmap)) {
		return 0, fmt.Errorf("offset %d outside archive of %d bytes", off, len(a.mmap))
	}
	n := copy(p, a.mmap[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps and closes the archive.
func (a *Archive) Close() error {
	if a.mmap != nil {
		if err := unix.Munmap(a.mmap); err != nil {
			a.f.Close()
			return err
		}
		a.mmap = nil
	}
	return a.f.Close()
}

// A blockReader fetches and decodes single frames. Each worker owns one,
// together with its buffers.
type blockReader struct {
	ra   io.ReaderAt
	dec  frameDecoder
	cbuf []byte
	ubuf []byte
}

func newBlockReader(ra io.ReaderAt, codec Codec) (*blockReader, error) {
	dec, err := codec.newDecoder()
	if err != nil {
		return nil, blockError(DecompressionFailure, -1, err)
	}
	return &blockReader{ra: ra, dec: dec}, nil
}

func (br *blockReader) Close() error {
	return br.dec.Close()
}

// read returns the decoded contents of block i. The slice is reused by the
// next call. The decoded length and checksum must match the descriptor.
func (br *blockReader) read(i int, d BlockDescriptor) ([]byte, error) {
	frame, err := br.frame(d)
	if err != nil {
		return nil, blockError(IoFailure, i, err)
	}
	out, err := br.dec.Decode(br.ubuf, frame)
	if err != nil {
		return nil, blockError(DecompressionFailure, i, err)
	}
	br.ubuf = out
	if int64(len(out)) != d.UncompressedLength {
		return nil, blockError(DecompressionFailure, i, errors.E(errors.Integrity,
			fmt.Sprintf("frame decoded to %d bytes, index says %d", len(out), d.UncompressedLength)))
	}
	if xxhash.Sum64(out) != d.Checksum {
		return nil, blockError(DecompressionFailure, i, errors.E(errors.Integrity, "block checksum mismatch"))
	}
	return out, nil
}

func (br *blockReader) frame(d BlockDescriptor) ([]byte, error) {
	if a, ok := br.ra.(*Archive); ok && a.mmap != nil {
		if d.End() > int64(len(a.mmap)) {
			return nil, errors.E(io.ErrUnexpectedEOF, fmt.Sprintf("frame at %d runs past the end of the archive", d.Offset))
		}
		return a.mmap[d.Offset:d.End()], nil
	}
	if int64(cap(br.cbuf)) < d.CompressedLength {
		br.cbuf = make([]byte, d.CompressedLength)
	}
	frame := br.cbuf[:d.CompressedLength]
	if n, err := br.ra.ReadAt(frame, d.Offset); err != nil && !(err == io.EOF && n == len(frame)) {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.E(err, fmt.Sprintf("reading frame at %d", d.Offset))
	}
	return frame, nil
}
