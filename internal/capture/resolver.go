// Package capture records per-test dependency access: file reads, module
// imports, and the external packages they resolve to. The execution harness
// calls the Observer hooks synchronously around each access; no global
// function patching is involved.
package capture

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Resolver maps dotted module names to project files or external package
// names, and knows each local module's top-level imports so dependency
// capture can close over transitive imports.
type Resolver struct {
	root        string
	moduleFiles map[string]string   // dotted module name -> relative file path
	localDirs   map[string]bool     // top-level package directory names
	imports     map[string][]string // module -> modules imported at its top level
}

// ScanProject walks the project tree and builds a Resolver from every python
// file found. Directory names at the top level double as local package
// names, which excludes the project's own distribution from external
// package tracking.
func ScanProject(root string) (*Resolver, error) {
	r := &Resolver{
		root:        root,
		moduleFiles: make(map[string]string),
		localDirs:   make(map[string]bool),
		imports:     make(map[string][]string),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".py") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		r.addModule(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		r.imports[moduleName(rel)] = topLevelImports(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return r, nil
}

// NewResolver builds a Resolver from explicit tables, used by tests and by
// harnesses that already know the module layout. moduleFiles maps dotted
// module names to relative paths; imports maps module names to their
// top-level imports.
func NewResolver(root string, moduleFiles map[string]string, imports map[string][]string) *Resolver {
	r := &Resolver{
		root:        root,
		moduleFiles: make(map[string]string, len(moduleFiles)),
		localDirs:   make(map[string]bool),
		imports:     imports,
	}
	if r.imports == nil {
		r.imports = make(map[string][]string)
	}
	for name, path := range moduleFiles {
		r.moduleFiles[name] = path
		r.localDirs[strings.SplitN(name, ".", 2)[0]] = true
	}
	return r
}

func (r *Resolver) addModule(rel string) {
	name := moduleName(rel)
	r.moduleFiles[name] = rel
	r.localDirs[strings.SplitN(name, ".", 2)[0]] = true
}

// moduleName converts "pkg/sub/mod.py" to "pkg.sub.mod"; package __init__
// files name the package itself.
func moduleName(rel string) string {
	name := strings.TrimSuffix(rel, ".py")
	name = strings.TrimSuffix(name, "/__init__")
	return strings.ReplaceAll(name, "/", ".")
}

// Root returns the project root the resolver was built for.
func (r *Resolver) Root() string {
	return r.root
}

// LocalFile resolves a dotted module name to its project-relative file path.
func (r *Resolver) LocalFile(module string) (string, bool) {
	for probe := module; probe != ""; {
		if path, ok := r.moduleFiles[probe]; ok {
			return path, true
		}
		idx := strings.LastIndex(probe, ".")
		if idx < 0 {
			break
		}
		probe = probe[:idx]
	}
	return "", false
}

// ExternalPackage attributes a non-local module to its owning package name.
// Returns ok=false when the module is local, or when the top-level name
// collides with a local package directory (the project under test itself).
func (r *Resolver) ExternalPackage(module string) (string, bool) {
	if _, local := r.LocalFile(module); local {
		return "", false
	}
	top := strings.SplitN(module, ".", 2)[0]
	if r.localDirs[top] {
		return "", false
	}
	return top, true
}

// TransitiveImports returns the module and every module reachable from its
// top-level imports. Importing A executes B's module-level code when A
// imports B at its top level, so B is a dependency too.
func (r *Resolver) TransitiveImports(module string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(m string) {
		if seen[m] {
			return
		}
		seen[m] = true
		for _, dep := range r.imports[m] {
			walk(dep)
		}
	}
	walk(module)

	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// topLevelImports extracts the modules imported at module level (not inside
// any function body) from python source.
func topLevelImports(source []byte) []string {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil
	}
	defer tree.Close()

	var mods []string
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_statement":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				name := child.NamedChild(j)
				switch name.Type() {
				case "dotted_name":
					mods = append(mods, name.Content(source))
				case "aliased_import":
					if dotted := name.ChildByFieldName("name"); dotted != nil {
						mods = append(mods, dotted.Content(source))
					}
				}
			}
		case "import_from_statement":
			if moduleNode := child.ChildByFieldName("module_name"); moduleNode != nil {
				mods = append(mods, moduleNode.Content(source))
			}
		}
	}
	return mods
}
