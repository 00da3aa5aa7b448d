package main

import (
	"strings"
	"testing"

	"github.com/rasky/lineframe"

	"github.com/grailbio/testutil/assert"
)

func TestErrorMessagePrefix(t *testing.T) {
	assert.EQ(t, errorMessage("data.tsv.zst", "already exists; not overwritten"),
		"lineframe: data.tsv.zst already exists; not overwritten\n")

	err := &lineframe.BlockError{Failure: lineframe.CorruptIndex, Block: 2}
	msg := errorMessage(err)
	assert.True(t, strings.HasPrefix(msg, "lineframe: "+lineframe.CorruptIndex.String()))
	if n := strings.Count(msg, "lineframe: "); n != 1 {
		t.Errorf("prefix repeated %d times in %q", n, msg)
	}
}
