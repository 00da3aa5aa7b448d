package lineframe

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/grailbio/testutil/assert"
)

func testIndex() *Index {
	return &Index{
		BlockSize: 70,
		Codec:     Zstd,
		Blocks: []BlockDescriptor{
			{Offset: 0, CompressedLength: 41, UncompressedLength: 70, Records: 4, Checksum: 0xdeadbeef},
			{Offset: 41, CompressedLength: 25, UncompressedLength: 85, Records: 5, Checksum: 1},
			{Offset: 66, CompressedLength: 10, UncompressedLength: 20, Records: 1, Checksum: 2},
		},
	}
}

func encodeIndex(t *testing.T, x *Index) []byte {
	var buf bytes.Buffer
	assert.NoError(t, WriteIndex(&buf, x))
	return buf.Bytes()
}

func TestIndexRoundTrip(t *testing.T) {
	x := testIndex()
	raw := encodeIndex(t, x)
	assert.EQ(t, len(raw), indexHeaderSize+3*indexEntrySize+8)

	got, err := ReadIndex(bytes.NewReader(raw))
	assert.NoError(t, err)
	assert.EQ(t, got, x)
	assert.EQ(t, got.ArchiveSize(), int64(76))
	assert.EQ(t, got.UncompressedSize(), int64(175))
	assert.EQ(t, got.Records(), int64(10))
	assert.NoError(t, got.Validate(76))

	empty := &Index{BlockSize: 10, Codec: Gzip}
	got, err = ReadIndex(bytes.NewReader(encodeIndex(t, empty)))
	assert.NoError(t, err)
	assert.EQ(t, len(got.Blocks), 0)
	assert.EQ(t, got.Codec, Gzip)
}

func TestIndexCorrupt(t *testing.T) {
	raw := encodeIndex(t, testIndex())

	for i := 0; i < len(raw); i++ {
		_, err := ReadIndex(bytes.NewReader(raw[:i]))
		if FailureOf(err) != CorruptIndex {
			t.Errorf("truncated at %d: got %v", i, err)
		}
	}

	_, err := ReadIndex(bytes.NewReader(append(append([]byte(nil), raw...), 0)))
	assert.EQ(t, FailureOf(err), CorruptIndex)

	// Any flipped bit is caught, either by the header checks or the trailer.
	for _, off := range []int{0, 5, 6, 9, 17, indexHeaderSize + 3, len(raw) - 20, len(raw) - 1} {
		bad := append([]byte(nil), raw...)
		bad[off] ^= 0x10
		if _, err := ReadIndex(bytes.NewReader(bad)); FailureOf(err) != CorruptIndex {
			t.Errorf("flipped byte %d: got %v", off, err)
		}
	}

	// A block count too large to allocate is rejected before reading on.
	bad := append([]byte(nil), raw[:indexHeaderSize]...)
	binary.LittleEndian.PutUint64(bad[16:24], 1<<40)
	_, err = ReadIndex(bytes.NewReader(bad))
	assert.EQ(t, FailureOf(err), CorruptIndex)
}

func TestIndexValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		edit  func(x *Index)
		block int
	}{
		{"gap", func(x *Index) { x.Blocks[1].Offset++ }, 1},
		{"overlap", func(x *Index) { x.Blocks[2].Offset-- }, 2},
		{"not at zero", func(x *Index) { x.Blocks[0].Offset = 3 }, 0},
		{"empty frame", func(x *Index) { x.Blocks[1].CompressedLength = 0 }, 1},
		{"empty block", func(x *Index) { x.Blocks[2].UncompressedLength = 0 }, 2},
		{"codec", func(x *Index) { x.Codec = 9 }, -1},
		{"block size", func(x *Index) { x.BlockSize = 0 }, -1},
	} {
		x := testIndex()
		tc.edit(x)
		err := x.Validate(-1)
		if FailureOf(err) != CorruptIndex {
			t.Errorf("%s: got %v", tc.name, err)
			continue
		}
		if be := err.(*BlockError); be.Block != tc.block {
			t.Errorf("%s: blamed block %d, want %d", tc.name, be.Block, tc.block)
		}
		// The same index never makes it through serialization either.
		var buf bytes.Buffer
		if err := WriteIndex(&buf, x); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadIndex(&buf); FailureOf(err) != CorruptIndex {
			t.Errorf("%s: ReadIndex accepted an invalid index: %v", tc.name, err)
		}
	}

	x := testIndex()
	assert.NoError(t, x.Validate(x.ArchiveSize()))
	assert.EQ(t, FailureOf(x.Validate(x.ArchiveSize()+1)), CorruptIndex)
	assert.EQ(t, FailureOf(x.Validate(x.ArchiveSize()-1)), CorruptIndex)
}

func TestIndexJSON(t *testing.T) {
	out, err := json.Marshal(testIndex())
	assert.NoError(t, err)
	var got struct {
		Codec     string `json:"codec"`
		BlockSize int64  `json:"block_size"`
		Blocks    []BlockDescriptor
	}
	assert.NoError(t, json.Unmarshal(out, &got))
	assert.EQ(t, got.Codec, "zstd")
	assert.EQ(t, got.BlockSize, int64(70))
	assert.EQ(t, got.Blocks, testIndex().Blocks)
}

func TestIndexHugeCountTruncated(t *testing.T) {
	// A header claiming far more entries than follow must fail without
	// reserving memory for all of them.
	hdr := encodeIndex(t, &Index{BlockSize: 70, Codec: Zstd})[:indexHeaderSize]
	binary.LittleEndian.PutUint64(hdr[16:24], 1<<27)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := ReadIndex(bytes.NewReader(hdr))
	runtime.ReadMemStats(&after)

	assert.EQ(t, FailureOf(err), CorruptIndex)
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 64<<20 {
		t.Errorf("reading a %d byte index allocated %d bytes", len(hdr), grown)
	}
}
