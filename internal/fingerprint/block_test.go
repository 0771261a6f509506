package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleModule = `import os

CONSTANT = 1

def add(a, b):
    return a + b

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
`

func blockByName(t *testing.T, blocks []Block, name string) Block {
	t.Helper()
	for _, b := range blocks {
		if b.Name == name {
			return b
		}
	}
	t.Fatalf("block %q not found", name)
	return Block{}
}

func TestParse_BlockNames(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	require.NotEmpty(t, blocks)

	var names []string
	for _, b := range blocks {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{
		ModuleBlockName,
		"add",
		"Calculator.multiply",
		"Calculator.divide",
		"outer",
		"outer.inner",
	}, names)
}

func TestParse_ModuleBlockFirst(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte(sampleModule))
	require.NotEmpty(t, blocks)
	assert.True(t, blocks[0].IsModule())
	assert.Equal(t, 1, blocks[0].StartLine)
}

func TestParse_Deterministic(t *testing.T) {
	t.Parallel()
	a := Parse([]byte(sampleModule))
	b := Parse([]byte(sampleModule))
	assert.Equal(t, a, b)
}

func TestParse_CommentOnlyEditKeepsChecksums(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n"))
	after := Parse([]byte("# a new leading comment\ndef f():\n    # body comment\n    return 1\n"))
	require.Len(t, before, 2)
	require.Len(t, after, 2)
	assert.Equal(t, before[0].Checksum, after[0].Checksum, "module block invariant under comment-only edits")
	assert.Equal(t, before[1].Checksum, after[1].Checksum, "function block invariant under comment-only edits")
}

func TestParse_InlineTrailingCommentChangesChecksum(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n"))
	after := Parse([]byte("def f():\n    return 1  # trailing\n"))
	require.Len(t, before, 2)
	require.Len(t, after, 2)
	// A trailing comment does not start the line, so it stays in the
	// normalized text and the checksum moves.
	assert.NotEqual(t, before[1].Checksum, after[1].Checksum)
}

func TestParse_BodyEditChangesOnlyThatBlock(t *testing.T) {
	t.Parallel()
	edited := `import os

CONSTANT = 1

def add(a, b):
    return a + b + 0

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
`
	before := Parse([]byte(sampleModule))
	after := Parse([]byte(edited))
	require.Len(t, after, len(before))

	assert.NotEqual(t, blockByName(t, before, "add").Checksum, blockByName(t, after, "add").Checksum)
	for _, name := range []string{ModuleBlockName, "Calculator.multiply", "Calculator.divide", "outer", "outer.inner"} {
		assert.Equal(t, blockByName(t, before, name).Checksum, blockByName(t, after, name).Checksum,
			"sibling block %s must be unaffected", name)
	}
}

func TestParse_AddingFunctionChangesModuleBlock(t *testing.T) {
	t.Parallel()
	before := Parse([]byte("def f():\n    return 1\n"))
	after := Parse([]byte("def f():\n    return 1\n\ndef g():\n    return 2\n"))
	require.Len(t, before, 2)
	require.Len(t, after, 3)
	// The new def header lives in the module region.
	assert.NotEqual(t, before[0].Checksum, after[0].Checksum)
	assert.Equal(t, blockByName(t, before, "f").Checksum, blockByName(t, after, "f").Checksum)
}

func TestParse_SyntaxErrorYieldsZeroBlocks(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte("def broken(:\n    return\n"))
	assert.Empty(t, blocks)
}

func TestParseFile_NonSourceSingleBlock(t *testing.T) {
	t.Parallel()
	content := []byte("key = value\nother = thing\n")
	blocks := ParseFile("config.ini", content)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsModule())
	assert.Equal(t, 1, blocks[0].StartLine)
	assert.Equal(t, 2, blocks[0].EndLine)

	changed := ParseFile("config.ini", []byte("key = changed\nother = thing\n"))
	assert.NotEqual(t, blocks[0].Checksum, changed[0].Checksum)
}

func TestParseFile_PythonDelegatesToParse(t *testing.T) {
	t.Parallel()
	blocks := ParseFile("mod.py", []byte(sampleModule))
	require.NotEmpty(t, blocks)
	assert.Equal(t, "add", blocks[1].Name)
}

func TestParse_ClassBodyIsNotABlock(t *testing.T) {
	t.Parallel()
	blocks := Parse([]byte("class C:\n    attr = 1\n\n    def m(self):\n        return 2\n"))
	require.Len(t, blocks, 2)
	assert.Equal(t, ModuleBlockName, blocks[0].Name)
	assert.Equal(t, "C.m", blocks[1].Name)
}
