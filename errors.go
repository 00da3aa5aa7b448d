package lineframe

import (
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Failure classifies why an operation on an archive failed.
type Failure int

const (
	// IoFailure is an unreadable input, unwritable output or short read.
	IoFailure Failure = iota + 1
	// CompressionFailure means the codec rejected a block.
	CompressionFailure
	// DecompressionFailure means a frame could not be decoded, or decoded
	// to something other than what the index describes.
	DecompressionFailure
	// CorruptIndex is a malformed, truncated or inconsistent index.
	CorruptIndex
	// MalformedRecord is a line that does not parse as key/value.
	MalformedRecord
	// OversizedLine is a single line longer than the target block size.
	OversizedLine
)

var failureNames = map[Failure]string{
	IoFailure:            "I/O failure",
	CompressionFailure:   "compression failure",
	DecompressionFailure: "decompression failure",
	CorruptIndex:         "corrupt index",
	MalformedRecord:      "malformed record",
	OversizedLine:        "oversized line",
}

func (f Failure) String() string {
	if s, ok := failureNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Failure(%d)", int(f))
}

// BlockError reports a failure together with the block and line that
// triggered it. Block is -1 for failures not tied to a single block (for
// example a bad index header); Line is 1-based within the block and 0 when
// not applicable.
type BlockError struct {
	Failure Failure
	Block   int
	Line    int
	Err     error
}

func (e *BlockError) Error() string {
	var b strings.Builder
	b.WriteString("lineframe: ")
	b.WriteString(e.Failure.String())
	if e.Block >= 0 {
		fmt.Fprintf(&b, " in block %d", e.Block)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BlockError) Unwrap() error { return e.Err }

// Failures collects the per-block errors of a decompression run. It is
// returned only after every worker has finished.
type Failures []*BlockError

func (f Failures) Error() string {
	switch len(f) {
	case 0:
		return "lineframe: no failures"
	case 1:
		return f[0].Error()
	}
	return fmt.Sprintf("%s (and %d more failed blocks)", f[0].Error(), len(f)-1)
}

func (f Failures) Unwrap() []error {
	errs := make([]error, len(f))
	for i, e := range f {
		errs[i] = e
	}
	return errs
}

// FailureOf returns the failure class of err, or 0 if err was not produced
// by this package.
func FailureOf(err error) Failure {
	var be *BlockError
	if goerrors.As(err, &be) {
		return be.Failure
	}
	return 0
}

func blockError(f Failure, block int, err error) *BlockError {
	return &BlockError{Failure: f, Block: block, Err: err}
}

func corruptIndex(format string, args ...interface{}) error {
	return &BlockError{
		Failure: CorruptIndex,
		Block:   -1,
		Err:     errors.E(errors.Integrity, fmt.Sprintf(format, args...)),
	}
}
