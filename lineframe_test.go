package lineframe

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"math/rand"
	"testing"

	"github.com/grailbio/testutil/assert"
)

const dataSum = "36532e6e9bb1343391f206e9c32958ec1b36ecc4"

func readData(t *testing.T) []byte {
	data, err := ioutil.ReadFile("testdata/data.txt")
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func sha1hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// genData returns n records whose keys are drawn from a pool of keys
// distinct keys, so that larger n produce duplicates.
func genData(rng *rand.Rand, n, keys int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "ACC%07d.%d\t%d\n", rng.Intn(keys), rng.Intn(3)+1, rng.Intn(3000000))
	}
	return buf.Bytes()
}

func compressBytes(t *testing.T, data []byte, opts CompressOptions) ([]byte, *Index) {
	var archive bytes.Buffer
	idx, _, err := Compress(context.Background(), bytes.NewReader(data), &archive, opts)
	assert.NoError(t, err)
	return archive.Bytes(), idx
}

func compressOpts(blockSize int, codec Codec, workers int) CompressOptions {
	opts := DefaultCompressOptions()
	opts.BlockSize = blockSize
	opts.Codec = codec
	opts.Workers = workers
	return opts
}

func catBytes(t *testing.T, archive []byte, idx *Index, workers int) []byte {
	var out bytes.Buffer
	assert.NoError(t, Cat(context.Background(), bytes.NewReader(archive), idx, &out, workers))
	return out.Bytes()
}

// reference builds the expected map by reading the input top to bottom.
func reference(t *testing.T, data []byte, dup DuplicatePolicy) map[string]uint64 {
	m := make(map[string]uint64)
	err := ParseBlock(0, data, '\t', func(_ int, key []byte, value uint64) {
		if _, ok := m[string(key)]; ok && dup == KeepFirst {
			return
		}
		m[string(key)] = value
	}, func(e *BlockError) error { return e })
	assert.NoError(t, err)
	return m
}
