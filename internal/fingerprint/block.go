// Package fingerprint decomposes source modules into named, checksummed code
// regions and matches recorded fingerprints against current source.
package fingerprint

import (
	"context"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ModuleBlockName names the module-level region: top-level statements,
// definition headers, and class bodies outside any function body.
const ModuleBlockName = "<module>"

// Block is a named, non-overlapping code region: either the module-level
// region or one function/method body. Lines are 1-based and inclusive.
type Block struct {
	Name      string
	StartLine int
	EndLine   int
	Checksum  int32
}

// IsModule reports whether b is the module-level block.
func (b Block) IsModule() bool {
	return b.Name == ModuleBlockName
}

// bodySpan is a function body's line range plus its nesting depth, used to
// attribute covered lines to the innermost enclosing block.
type bodySpan struct {
	start, end int
	depth      int
	block      int // index into the result slice
}

// Parse decomposes python source into blocks: the module-level block first,
// then one block per function/method body in source order, including nested
// definitions. Class bodies themselves are not blocks. Source with syntax
// errors yields zero blocks, which callers treat as maximally unstable.
func Parse(source []byte) []Block {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil
	}

	lines := splitLines(source)

	var fns []functionDef
	collectFunctions(root, source, nil, 0, &fns)
	sort.SliceStable(fns, func(i, j int) bool {
		if fns[i].bodyStart != fns[j].bodyStart {
			return fns[i].bodyStart < fns[j].bodyStart
		}
		return fns[i].depth < fns[j].depth
	})

	blocks := make([]Block, 0, len(fns)+1)
	blocks = append(blocks, Block{
		Name:      ModuleBlockName,
		StartLine: 1,
		EndLine:   len(lines),
		Checksum:  Checksum(moduleText(lines, fns)),
	})
	for _, fn := range fns {
		blocks = append(blocks, Block{
			Name:      fn.name,
			StartLine: fn.bodyStart,
			EndLine:   fn.bodyEnd,
			Checksum:  Checksum(stripComments(lines[fn.bodyStart-1 : fn.bodyEnd])),
		})
	}
	return blocks
}

// ParseFile decomposes a file into blocks. Python sources are parsed; any
// other file is a single block spanning the whole content, checksummed raw.
func ParseFile(filename string, content []byte) []Block {
	if strings.HasSuffix(filename, ".py") {
		return Parse(content)
	}
	return []Block{{
		Name:      ModuleBlockName,
		StartLine: 1,
		EndLine:   len(splitLines(content)),
		Checksum:  checksumRaw(content),
	}}
}

type functionDef struct {
	name      string
	bodyStart int
	bodyEnd   int
	depth     int
}

// collectFunctions walks the tree gathering function/method bodies. The path
// accumulates enclosing class and function names into a dotted block name.
func collectFunctions(node *sitter.Node, source []byte, path []string, depth int, out *[]functionDef) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			nameNode := child.ChildByFieldName("name")
			bodyNode := child.ChildByFieldName("body")
			if nameNode == nil || bodyNode == nil {
				continue
			}
			name := strings.Join(append(path, nameNode.Content(source)), ".")
			*out = append(*out, functionDef{
				name:      name,
				bodyStart: int(bodyNode.StartPoint().Row) + 1,
				bodyEnd:   int(bodyNode.EndPoint().Row) + 1,
				depth:     depth + 1,
			})
			collectFunctions(bodyNode, source, append(path, nameNode.Content(source)), depth+1, out)
		case "class_definition":
			nameNode := child.ChildByFieldName("name")
			bodyNode := child.ChildByFieldName("body")
			if nameNode == nil || bodyNode == nil {
				continue
			}
			// Class bodies are not blocks; methods inside them are.
			collectFunctions(bodyNode, source, append(path, nameNode.Content(source)), depth, out)
		default:
			collectFunctions(child, source, path, depth, out)
		}
	}
}

// moduleText joins every line that lies outside all function bodies, with
// comment-only lines removed. Definition headers and decorators stay in,
// so adding or removing a function changes the module-level checksum.
func moduleText(lines []string, fns []functionDef) []string {
	inBody := make([]bool, len(lines)+1)
	for _, fn := range fns {
		for ln := fn.bodyStart; ln <= fn.bodyEnd && ln <= len(lines); ln++ {
			inBody[ln] = true
		}
	}
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if !inBody[i+1] {
			kept = append(kept, line)
		}
	}
	return stripComments(kept)
}

// stripComments drops lines whose first non-whitespace byte begins a comment.
// Inline trailing comments survive since they do not start the line.
func stripComments(lines []string) []string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func splitLines(source []byte) []string {
	s := strings.TrimSuffix(string(source), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
