package capture

import (
	"path/filepath"
	"sort"
	"strings"
)

// FileDepPrefix is the reserved namespace for non-source file dependencies,
// kept distinct from source filenames so a data file can never shadow a
// module in the recorded dependency map.
const FileDepPrefix = "file://"

// Observer receives resource-access events from the execution harness,
// synchronously, before each file read and on each module import.
type Observer interface {
	BeforeFileRead(path string)
	OnImport(module string)
}

// Deps is everything one test touched beyond line coverage.
type Deps struct {
	LocalFiles  []string // project-relative source files pulled in by imports
	FileReads   []string // project-relative non-source files read
	ExternalPkg []string // external package names used
}

// Session accumulates dependency accesses for the currently running test.
// One test context is active at a time per worker; the harness brackets each
// test with StartTest/StopTest. Hook methods are safe to re-enter from
// nested accesses triggered inside a hook.
type Session struct {
	mu       reentrantMutex
	resolver *Resolver

	current   string
	fileReads map[string]map[string]bool
	imports   map[string]map[string]bool
}

var _ Observer = (*Session)(nil)

// NewSession creates a Session resolving against the given project layout.
func NewSession(resolver *Resolver) *Session {
	return &Session{
		resolver:  resolver,
		fileReads: make(map[string]map[string]bool),
		imports:   make(map[string]map[string]bool),
	}
}

// StartTest switches capture to the given test context.
func (s *Session) StartTest(testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = testID
	if s.fileReads[testID] == nil {
		s.fileReads[testID] = make(map[string]bool)
	}
	if s.imports[testID] == nil {
		s.imports[testID] = make(map[string]bool)
	}
}

// StopTest deactivates the current test context. Accesses outside a test
// context are ignored.
func (s *Session) StopTest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
}

// BeforeFileRead records a read of a project file. Reads outside the
// project root and reads of python sources are ignored; source
// dependencies arrive via coverage and imports.
func (s *Session) BeforeFileRead(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.resolver.Root(), path)
	}
	rel, err := filepath.Rel(s.resolver.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, ".py") {
		return
	}
	s.fileReads[s.current][rel] = true
}

// OnImport records a module import for the current test.
func (s *Session) OnImport(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return
	}
	s.imports[s.current][module] = true
}

// Discard drops everything captured for a test, used when a test's run was
// interrupted and must not be persisted.
func (s *Session) Discard(testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fileReads, testID)
	delete(s.imports, testID)
}

// DepsFor resolves the captured accesses for one test: imports become local
// source files (closed over transitive top-level imports) or external
// package names; file reads stay as project-relative paths.
func (s *Session) DepsFor(testID string) Deps {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deps Deps
	for path := range s.fileReads[testID] {
		deps.FileReads = append(deps.FileReads, path)
	}

	localSeen := make(map[string]bool)
	pkgSeen := make(map[string]bool)
	for module := range s.imports[testID] {
		for _, m := range s.resolver.TransitiveImports(module) {
			if path, ok := s.resolver.LocalFile(m); ok {
				localSeen[path] = true
				continue
			}
			if pkg, ok := s.resolver.ExternalPackage(m); ok {
				pkgSeen[pkg] = true
			}
		}
	}
	for path := range localSeen {
		deps.LocalFiles = append(deps.LocalFiles, path)
	}
	for pkg := range pkgSeen {
		deps.ExternalPkg = append(deps.ExternalPkg, pkg)
	}

	sort.Strings(deps.LocalFiles)
	sort.Strings(deps.FileReads)
	sort.Strings(deps.ExternalPkg)
	return deps
}

// Reset clears all captured state, keeping the resolver.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
	clear(s.fileReads)
	clear(s.imports)
}
