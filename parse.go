package lineframe

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
)

// Record is one parsed line: an accession and its taxid.
type Record struct {
	Key   string
	Value uint64
}

// Position locates a line in the input: the block it belongs to and its
// 1-based line number within that block. Positions order records the way
// they appear in the original file.
type Position struct {
	Block int
	Line  int
}

// Before reports whether p comes before q in the input.
func (p Position) Before(q Position) bool {
	if p.Block != q.Block {
		return p.Block < q.Block
	}
	return p.Line < q.Line
}

// ParseLine splits a line into exactly two fields at delim and parses the
// second one as a base-10 unsigned integer. Surrounding whitespace of the
// value, including a '\r' left over from CRLF line endings, is ignored.
func ParseLine(line []byte, delim byte) (key []byte, value uint64, err error) {
	i := bytes.IndexByte(line, delim)
	if i < 0 {
		return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("missing delimiter %q", delim))
	}
	key, rest := line[:i], line[i+1:]
	if bytes.IndexByte(rest, delim) >= 0 {
		return nil, 0, errors.E(errors.Invalid, "more than two fields")
	}
	if len(key) == 0 {
		return nil, 0, errors.E(errors.Invalid, "empty key")
	}
	v := bytes.TrimSpace(rest)
	value, perr := strconv.ParseUint(string(v), 10, 64)
	if perr != nil {
		return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("invalid value %q", v))
	}
	return key, value, nil
}

// ParseBlock parses every line of a decoded block. Empty lines are not
// records and are ignored. For each record, rec is called with its 1-based
// line number; key is only valid for the duration of the call. Malformed
// lines are handed to bad as *BlockError values with Failure MalformedRecord
// and the given block number; if bad returns an error, parsing stops and
// that error is returned.
func ParseBlock(block int, buf []byte, delim byte, rec func(line int, key []byte, value uint64), bad func(err *BlockError) error) error {
	line := 0
	for len(buf) > 0 {
		line++
		var l []byte
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			l, buf = buf[:i], buf[i+1:]
		} else {
			l, buf = buf, nil
		}
		if len(l) > 0 && l[len(l)-1] == '\r' {
			l = l[:len(l)-1]
		}
		if len(l) == 0 {
			continue
		}
		key, value, err := ParseLine(l, delim)
		if err != nil {
			if berr := bad(&BlockError{Failure: MalformedRecord, Block: block, Line: line, Err: err}); berr != nil {
				return berr
			}
			continue
		}
		rec(line, key, value)
	}
	return nil
}
