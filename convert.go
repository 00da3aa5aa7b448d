package lineframe

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/pgzip"
)

// Convert turns an ordinary zstd or gzip file into a line-aligned archive:
// the stream is decompressed and split again with opts. When converting
// gzip to gzip without an explicit level, the level recorded in the
// source header is kept.
func Convert(ctx context.Context, r io.Reader, archive io.Writer, opts CompressOptions) (*Index, Stats, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(10)
	if len(head) == 0 {
		return nil, Stats{}, blockError(IoFailure, -1, errors.E(err, "reading source header"))
	}
	codec, ok := sniffCodec(head)
	if !ok {
		return nil, Stats{}, errors.E(errors.NotSupported, fmt.Sprintf("source is neither zstd nor gzip (header % x)", head))
	}
	if codec == Gzip && opts.Codec == Gzip && opts.Level == 0 && len(head) == 10 {
		// The gzip header doesn't carry the level itself, only the
		// XFL hint of the extremes.
		switch head[8] {
		case 0x2:
			opts.Level = pgzip.BestCompression
		case 0x4:
			opts.Level = pgzip.BestSpeed
		}
	}
	stream, err := newStreamDecoder(br, codec)
	if err != nil {
		return nil, Stats{}, blockError(DecompressionFailure, -1, err)
	}
	defer stream.Close()
	return Compress(ctx, sourceReader{stream}, archive, opts)
}

// sourceReader reports failures of the source decoder as decompression
// failures rather than plain read errors.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = blockError(DecompressionFailure, -1, errors.E(err, "decoding source"))
	}
	return n, err
}
