package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForLines_ModuleBlockFirst(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	require.NotEmpty(t, blocks)

	// Import-time lines plus add's body.
	fp := ForLines(blocks, []int{1, 3, 5, 6})
	require.Len(t, fp, 2)
	assert.Equal(t, blocks[0].Checksum, fp[0])
	assert.Equal(t, blockByName(t, blocks, "add").Checksum, fp[1])
}

func TestForLines_Deterministic(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	all := make([]int, 0, 32)
	for i := 1; i <= blocks[0].EndLine; i++ {
		all = append(all, i)
	}
	assert.Equal(t, ForLines(blocks, all), ForLines(blocks, all))
}

func TestForLines_InnermostBlockOwnsLine(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	inner := blockByName(t, blocks, "outer.inner")

	// A line inside inner's body belongs to inner, not outer.
	fp := ForLines(blocks, []int{inner.StartLine})
	require.Len(t, fp, 1)
	assert.Equal(t, inner.Checksum, fp[0])
}

func TestForLines_ZeroBlocks(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ForLines(nil, []int{1, 2, 3}))
}

func TestMatch_AllChecksumsPresent(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	fp := ForLines(blocks, []int{1, 5, 6})
	assert.True(t, Match(blocks, fp))
}

func TestMatch_PositionIndependent(t *testing.T) {
	t.Parallel()
	// Reordering two functions moves their blocks but keeps their checksums.
	before := Parse([]byte("def f():\n    return 1\n\ndef g():\n    return 2\n"))
	after := Parse([]byte("def g():\n    return 2\n\ndef f():\n    return 1\n"))

	fp := []int32{blockByName(t, before, "f").Checksum, blockByName(t, before, "g").Checksum}
	assert.True(t, Match(after, fp))
}

func TestMatch_ChangedBlockFails(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n"))
	fp := ForLines(before, []int{1, 2})

	after := Parse([]byte("def f():\n    return 2\n"))
	assert.False(t, Match(after, fp))
}

func TestMatch_DeletedBlockFails(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n\ndef g():\n    return 2\n"))
	fp := []int32{blockByName(t, before, "g").Checksum}

	after := Parse([]byte("def f():\n    return 1\n"))
	assert.False(t, Match(after, fp))
}

func TestMatch_UnparseableCurrentMatchesNothing(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n"))
	fp := ForLines(before, []int{2})
	assert.False(t, Match(nil, fp))
}

func TestSharedFunctionInvalidatesAllDependents(t *testing.T) {
	t.Parallel()
	// Two tests both depend on add's block; changing add's body must fail
	// the match for both recorded fingerprints.
	before := Parse([]byte(sampleModule))
	addBlock := blockByName(t, before, "add")
	fpTestOne := []int32{before[0].Checksum, addBlock.Checksum}
	fpTestTwo := []int32{addBlock.Checksum}

	edited := []byte(`import os

CONSTANT = 1

def add(a, b):
    return b + a

class Calculator:
    def multiply(self, a, b):
        # intermediate result
        result = a * b
        return result

    def divide(self, a, b):
        return a / b

def outer():
    x = 1
    def inner():
        return x
    return inner
`)
	after := Parse(edited)
	assert.False(t, Match(after, fpTestOne))
	assert.False(t, Match(after, fpTestTwo))
}
