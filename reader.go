package lineframe

import (
	goerrors "errors"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errNoIndex = goerrors.New("lineframe: seeking requires an index")

// Offset is a position in the decompressed stream: a block number and a
// byte offset inside that block.
type Offset struct {
	Block int
	Off   int64
}

// seekReaderAt adapts an io.ReadSeeker for a single goroutine.
type seekReaderAt struct {
	rs io.ReadSeeker
}

func (s seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rs, p)
}

// A Reader decompresses an archive sequentially, one block at a time. With
// an index it can also jump to any block with Seek; without one it decodes
// the archive as a plain zstd or gzip stream, exactly as the stock tools
// would.
type Reader struct {
	idx    *Index
	br     *blockReader
	stream io.ReadCloser

	buf   []byte
	block int
	pos   int
}

// NewReader returns a reader over the archive r. idx may be nil.
func NewReader(r io.ReadSeeker, idx *Index) (*Reader, error) {
	if idx != nil {
		br, err := newBlockReader(seekReaderAt{r}, idx.Codec)
		if err != nil {
			return nil, err
		}
		return &Reader{idx: idx, br: br, block: -1}, nil
	}
	codec, err := DetectCodec(r)
	if err == io.EOF {
		return &Reader{stream: io.NopCloser(eofReader{}), block: -1}, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, blockError(IoFailure, -1, errors.E(err, "rewinding archive"))
	}
	stream, err := newStreamDecoder(r, codec)
	if err != nil {
		return nil, blockError(DecompressionFailure, -1, err)
	}
	return &Reader{stream: stream, block: -1}, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// newStreamDecoder decodes a whole zstd or gzip stream, every frame or
// member one after the other.
func newStreamDecoder(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case Gzip:
		return gzip.NewReader(r)
	}
	return nil, errors.E(errors.NotSupported, fmt.Sprintf("codec %v", codec))
}

func (or *Reader) Read(data []byte) (int, error) {
	if or.stream != nil {
		return or.stream.Read(data)
	}
	for or.block < 0 || or.pos == len(or.buf) {
		if or.block+1 >= len(or.idx.Blocks) {
			return 0, io.EOF
		}
		if err := or.load(or.block + 1); err != nil {
			return 0, err
		}
	}
	n := copy(data, or.buf[or.pos:])
	or.pos += n
	return n, nil
}

func (or *Reader) load(block int) error {
	buf, err := or.br.read(block, or.idx.Blocks[block])
	if err != nil {
		return err
	}
	or.buf, or.block, or.pos = buf, block, 0
	return nil
}

// Offset returns the current position in the decompressed stream.
func (or *Reader) Offset() Offset {
	if or.block < 0 {
		return Offset{}
	}
	if or.pos == len(or.buf) && or.block+1 < len(or.idx.Blocks) {
		return Offset{Block: or.block + 1}
	}
	return Offset{Block: or.block, Off: int64(or.pos)}
}

// Seek moves to o. Only the target block is decoded.
func (or *Reader) Seek(o Offset) error {
	if or.idx == nil {
		return errNoIndex
	}
	if o.Block < 0 || o.Block >= len(or.idx.Blocks) ||
		o.Off < 0 || o.Off > or.idx.Blocks[o.Block].UncompressedLength {
		return errors.E(errors.Invalid, fmt.Sprintf("offset %+v outside the archive", o))
	}
	if or.block != o.Block {
		if err := or.load(o.Block); err != nil {
			return err
		}
	}
	or.pos = int(o.Off)
	return nil
}

// SeekBlock moves to the start of block i.
func (or *Reader) SeekBlock(i int) error {
	return or.Seek(Offset{Block: i})
}

func (or *Reader) Close() error {
	if or.stream != nil {
		return or.stream.Close()
	}
	return or.br.Close()
}
