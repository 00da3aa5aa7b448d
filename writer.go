package lineframe

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
)

type countWriter struct {
	io.Writer
	off int64
}

func (cw *countWriter) Write(data []byte) (int, error) {
	n, err := cw.Writer.Write(data)
	cw.off += int64(n)
	return n, err
}

// An archiveWriter appends frames to an archive in block order and records
// where each of them landed. It is the only writer of the archive.
type archiveWriter struct {
	w   *countWriter
	idx *Index
}

func newArchiveWriter(w io.Writer, codec Codec, blockSize int) *archiveWriter {
	return &archiveWriter{
		w:   &countWriter{Writer: w},
		idx: &Index{BlockSize: int64(blockSize), Codec: codec},
	}
}

func (aw *archiveWriter) writeFrame(frame []byte, blk *rawBlock) error {
	off := aw.w.off
	n, err := aw.w.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return blockError(IoFailure, blk.seq, errors.E(err, "writing frame"))
	}
	aw.idx.Blocks = append(aw.idx.Blocks, BlockDescriptor{
		Offset:             off,
		CompressedLength:   int64(n),
		UncompressedLength: int64(len(blk.data)),
		Records:            blk.lines,
		Checksum:           blk.sum,
	})
	return nil
}

// Writer is a streaming front end to Compress: bytes written to it are
// split into line-aligned blocks and compressed into the underlying
// archive. Close must be called to flush the final block; the index is
// available afterwards.
type Writer struct {
	pw   *io.PipeWriter
	done chan struct{}
	idx  *Index
	st   Stats
	err  error
}

// NewWriter returns a Writer producing an archive on w.
func NewWriter(w io.Writer, opts CompressOptions) *Writer {
	pr, pw := io.Pipe()
	zw := &Writer{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(zw.done)
		zw.idx, zw.st, zw.err = Compress(context.Background(), pr, w, opts)
		pr.CloseWithError(zw.err)
	}()
	return zw
}

func (zw *Writer) Write(data []byte) (int, error) {
	return zw.pw.Write(data)
}

// Close flushes the last block and waits for every frame to be written.
func (zw *Writer) Close() error {
	zw.pw.Close()
	<-zw.done
	return zw.err
}

// Index returns the index of the archive. It is nil until Close has
// returned successfully.
func (zw *Writer) Index() *Index {
	select {
	case <-zw.done:
		return zw.idx
	default:
		return nil
	}
}

// Stats returns the statistics of the finished run.
func (zw *Writer) Stats() Stats {
	<-zw.done
	return zw.st
}
