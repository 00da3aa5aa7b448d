package lineframe

import (
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
)

// DefaultBlockSize is the default target size of an uncompressed block. It
// balances per-frame overhead against the amount of work a single worker
// picks up at a time.
const DefaultBlockSize = 4 << 20

// splitReadSize is how much the splitter asks the underlying reader for
// when it needs more input.
const splitReadSize = 64 << 10

// A Splitter partitions a byte stream into blocks that always end right
// after a line terminator. Once at least size bytes are buffered, the block
// is closed at the first '\n' found at or after index size-1, which is the
// same as reading whole lines until their total reaches size. The bytes
// after the terminator seed the next block. The final block ends at the end
// of the input, with or without a terminator.
//
// The working buffer is reused across blocks, so it is bounded by the
// largest block produced.
type Splitter struct {
	r     io.Reader
	size  int
	buf   []byte
	start int
	end   int
	eof   bool

	lastLine int
}

// NewSplitter returns a splitter reading from r that targets blocks of
// size bytes.
func NewSplitter(r io.Reader, size int) *Splitter {
	if size < 1 {
		size = 1
	}
	return &Splitter{
		r:    r,
		size: size,
		buf:  make([]byte, size+splitReadSize),
	}
}

// Next returns the next block. The returned slice is only valid until the
// next call to Next. After the last block Next returns io.EOF; read errors
// are reported as IoFailure.
func (s *Splitter) Next() ([]byte, error) {
	if s.start > 0 {
		s.end = copy(s.buf, s.buf[s.start:s.end])
		s.start = 0
	}
	scanned := 0
	for {
		if s.end >= s.size {
			from := s.size - 1
			if scanned > from {
				from = scanned
			}
			if i := bytes.IndexByte(s.buf[from:s.end], '\n'); i >= 0 {
				return s.cut(from + i + 1), nil
			}
			scanned = s.end
		}
		if s.eof {
			if s.end == 0 {
				return nil, io.EOF
			}
			return s.cut(s.end), nil
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// Oversized reports whether the block last returned by Next contains a
// line longer than the target block size.
func (s *Splitter) Oversized() bool {
	return s.lastLine > s.size
}

// LastLineLen is the length of the final line of the block last returned
// by Next, terminator included. This is the only line of a block that can
// exceed the target size.
func (s *Splitter) LastLineLen() int {
	return s.lastLine
}

func (s *Splitter) cut(n int) []byte {
	block := s.buf[:n]
	s.start = n
	body := block
	if body[len(body)-1] == '\n' {
		body = body[:len(body)-1]
	}
	s.lastLine = len(block) - (bytes.LastIndexByte(body, '\n') + 1)
	return block
}

func (s *Splitter) fill() error {
	if len(s.buf)-s.end < splitReadSize {
		grown := make([]byte, 2*len(s.buf))
		copy(grown, s.buf[:s.end])
		s.buf = grown
	}
	n, err := s.r.Read(s.buf[s.end:])
	s.end += n
	switch {
	case err == io.EOF:
		s.eof = true
	case err != nil:
		if be, ok := err.(*BlockError); ok {
			return be
		}
		return blockError(IoFailure, -1, errors.E(err, "reading input"))
	}
	return nil
}
