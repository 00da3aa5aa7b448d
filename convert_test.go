package lineframe

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func plainGzip(t *testing.T, data []byte, level int) []byte {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		t.Fatal(err)
	}
	gw.Write(data)
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func plainZstd(t *testing.T, data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestConvert(t *testing.T) {
	data := readData(t)
	for _, src := range [][]byte{plainGzip(t, data, gzip.BestCompression), plainZstd(t, data)} {
		for _, codec := range []Codec{Zstd, Gzip} {
			var w bytes.Buffer
			idx, st, err := Convert(context.Background(), bytes.NewReader(src), &w, compressOpts(70, codec, 2))
			if err != nil {
				t.Fatal(err)
			}
			if len(idx.Blocks) != 8 || st.Records != 30 {
				t.Errorf("converted to %d blocks, %d records", len(idx.Blocks), st.Records)
			}
			if sum := calcHash(bytes.NewReader(w.Bytes()), idx, t); sum != dataSum {
				t.Error("invalid hash for decompressed stream")
			}
		}
	}
}

func TestConvertErrors(t *testing.T) {
	data := readData(t)
	var w bytes.Buffer
	if _, _, err := Convert(context.Background(), bytes.NewReader(data), &w, compressOpts(70, Zstd, 1)); err == nil {
		t.Error("converted an uncompressed file")
	}
	if _, _, err := Convert(context.Background(), bytes.NewReader(nil), &w, compressOpts(70, Zstd, 1)); FailureOf(err) != IoFailure {
		t.Error("empty source:", err)
	}

	src := plainGzip(t, data, gzip.DefaultCompression)
	src = src[:len(src)-30]
	if _, _, err := Convert(context.Background(), bytes.NewReader(src), &w, compressOpts(70, Zstd, 1)); FailureOf(err) != DecompressionFailure {
		t.Error("truncated source:", err)
	}
}
