package lineframe

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Codec selects the compressor used to turn a block into a frame. Every
// codec produces frames that are self-contained, so that a frame can be
// decompressed on its own and the archive as a whole stays readable by the
// stock zstd and gzip tools.
type Codec uint8

const (
	// Zstd frames carry a content checksum.
	Zstd Codec = 1
	// Gzip writes one gzip member per block.
	Gzip Codec = 2
)

func (c Codec) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	}
	return fmt.Sprintf("Codec(%d)", uint8(c))
}

// Ext is the conventional file extension for archives using the codec.
func (c Codec) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	default:
		return ".zst"
	}
}

func (c Codec) valid() bool {
	return c == Zstd || c == Gzip
}

// ParseCodec parses a codec name as printed by Codec.String.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "zstd", "zst":
		return Zstd, nil
	case "gzip", "gz":
		return Gzip, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown codec %q", s))
}

// A frameEncoder compresses one block into one frame, appending it to dst.
// Encoders are not safe for concurrent use; each worker owns one.
type frameEncoder interface {
	Encode(dst, block []byte) ([]byte, error)
	Close() error
}

// A frameDecoder is the inverse of frameEncoder.
type frameDecoder interface {
	Decode(dst, frame []byte) ([]byte, error)
	Close() error
}

// newEncoder returns an encoder for the codec. Level 0 selects the codec's
// default; otherwise it follows the familiar 1 (fast) to 9 (best) scale.
func (c Codec) newEncoder(level int) (frameEncoder, error) {
	switch c {
	case Zstd:
		opts := []zstd.EOption{zstd.WithEncoderCRC(true), zstd.WithEncoderConcurrency(1)}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, err
		}
		return &zstdEncoder{enc}, nil
	case Gzip:
		if level == 0 {
			level = pgzip.DefaultCompression
		}
		zw, err := pgzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			return nil, err
		}
		return &gzipEncoder{zw: zw}, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported codec %v", c))
}

func (c Codec) newDecoder() (frameDecoder, error) {
	switch c {
	case Zstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &zstdDecoder{dec}, nil
	case Gzip:
		return new(gzipDecoder), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported codec %v", c))
}

type zstdEncoder struct {
	enc *zstd.Encoder
}

func (e *zstdEncoder) Encode(dst, block []byte) ([]byte, error) {
	return e.enc.EncodeAll(block, dst[:0]), nil
}

func (e *zstdEncoder) Close() error { return e.enc.Close() }

type zstdDecoder struct {
	dec *zstd.Decoder
}

func (d *zstdDecoder) Decode(dst, frame []byte) ([]byte, error) {
	return d.dec.DecodeAll(frame, dst[:0])
}

func (d *zstdDecoder) Close() error {
	d.dec.Close()
	return nil
}

type gzipEncoder struct {
	zw *pgzip.Writer
}

func (e *gzipEncoder) Encode(dst, block []byte) ([]byte, error) {
	out := bytes.NewBuffer(dst[:0])
	e.zw.Reset(out)
	if _, err := e.zw.Write(block); err != nil {
		return nil, err
	}
	if err := e.zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (e *gzipEncoder) Close() error { return nil }

type gzipDecoder struct {
	zr *gzip.Reader
	br bytes.Reader
}

func (d *gzipDecoder) Decode(dst, frame []byte) ([]byte, error) {
	d.br.Reset(frame)
	var err error
	if d.zr == nil {
		d.zr, err = gzip.NewReader(&d.br)
	} else {
		err = d.zr.Reset(&d.br)
	}
	if err != nil {
		return nil, err
	}
	d.zr.Multistream(false)
	out := bytes.NewBuffer(dst[:0])
	if _, err := out.ReadFrom(d.zr); err != nil {
		return nil, err
	}
	if d.br.Len() != 0 {
		return nil, fmt.Errorf("%d bytes of trailing data after gzip member", d.br.Len())
	}
	return out.Bytes(), nil
}

// Close releases nothing: the reader holds no resources beyond memory, and
// closing it would only report the state of the last frame.
func (d *gzipDecoder) Close() error {
	d.zr = nil
	return nil
}
