package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() *Resolver {
	return NewResolver("/project",
		map[string]string{
			"app":       "app/__init__.py",
			"app.calc":  "app/calc.py",
			"app.util":  "app/util.py",
			"app.deep":  "app/deep.py",
			"conftest":  "conftest.py",
		},
		map[string][]string{
			"app.calc": {"app.util", "numpy"},
			"app.util": {"app.deep", "os"},
		},
	)
}

func TestResolver_LocalFile(t *testing.T) {
	t.Parallel()
	r := testResolver()

	path, ok := r.LocalFile("app.calc")
	require.True(t, ok)
	assert.Equal(t, "app/calc.py", path)

	// Submodule attribute access falls back to the owning module.
	path, ok = r.LocalFile("app.calc.helper")
	require.True(t, ok)
	assert.Equal(t, "app/calc.py", path)

	_, ok = r.LocalFile("numpy")
	assert.False(t, ok)
}

func TestResolver_ExternalPackage(t *testing.T) {
	t.Parallel()
	r := testResolver()

	pkg, ok := r.ExternalPackage("numpy.linalg")
	require.True(t, ok)
	assert.Equal(t, "numpy", pkg)

	// Local modules are never external.
	_, ok = r.ExternalPackage("app.calc")
	assert.False(t, ok)

	// A name owned by a local package directory is the project under test
	// itself and is excluded from external tracking entirely.
	_, ok = r.ExternalPackage("app.installed_extra")
	assert.False(t, ok)
}

func TestResolver_TransitiveImports(t *testing.T) {
	t.Parallel()
	r := testResolver()

	// calc imports util at top level, util imports deep: all three plus the
	// external leaves are dependencies.
	got := r.TransitiveImports("app.calc")
	assert.Equal(t, []string{"app.calc", "app.deep", "app.util", "numpy", "os"}, got)
}

func TestSession_DepsFor(t *testing.T) {
	t.Parallel()
	s := NewSession(testResolver())

	s.StartTest("tests/test_calc.py::test_add")
	s.OnImport("app.calc")
	s.BeforeFileRead("/project/data/fixtures.json")
	s.BeforeFileRead("/project/app/calc.py") // source reads are coverage's job
	s.BeforeFileRead("/elsewhere/secret.txt")
	s.StopTest()

	deps := s.DepsFor("tests/test_calc.py::test_add")
	assert.Equal(t, []string{"app/calc.py", "app/deep.py", "app/util.py"}, deps.LocalFiles)
	assert.Equal(t, []string{"data/fixtures.json"}, deps.FileReads)
	assert.Equal(t, []string{"numpy"}, deps.ExternalPkg)
}

func TestSession_IgnoresAccessOutsideTestContext(t *testing.T) {
	t.Parallel()
	s := NewSession(testResolver())
	s.OnImport("app.calc")
	s.BeforeFileRead("/project/data/fixtures.json")

	deps := s.DepsFor("")
	assert.Empty(t, deps.LocalFiles)
	assert.Empty(t, deps.FileReads)
}

func TestSession_Discard(t *testing.T) {
	t.Parallel()
	s := NewSession(testResolver())
	s.StartTest("t1")
	s.OnImport("app.calc")
	s.StopTest()

	s.Discard("t1")
	deps := s.DepsFor("t1")
	assert.Empty(t, deps.LocalFiles)
	assert.Empty(t, deps.ExternalPkg)
}

func TestSession_ReentrantHooks(t *testing.T) {
	t.Parallel()
	s := NewSession(testResolver())
	s.StartTest("t1")

	// Simulate an import hook that triggers a nested file read on the same
	// goroutine, as happens when importing a module opens a data file.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.Lock()
		s.OnImport("app.calc")
		s.BeforeFileRead("/project/data/nested.json")
		s.mu.Unlock()
	}()
	<-done

	s.StopTest()
	deps := s.DepsFor("t1")
	assert.Contains(t, deps.FileReads, "data/nested.json")
	assert.Contains(t, deps.LocalFiles, "app/calc.py")
}

func TestScanProject(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "__init__.py"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "main.py"),
		[]byte("import os\nimport pkg.helper as h\nfrom pkg.other import thing\n\ndef run():\n    import json\n    return h\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "helper.py"), []byte("X = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "other.py"), []byte("thing = 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644))

	r, err := ScanProject(root)
	require.NoError(t, err)

	path, ok := r.LocalFile("pkg.main")
	require.True(t, ok)
	assert.Equal(t, "pkg/main.py", path)

	path, ok = r.LocalFile("pkg")
	require.True(t, ok)
	assert.Equal(t, "pkg/__init__.py", path)

	// Only module-level imports count; the one inside run() does not.
	got := r.TransitiveImports("pkg.main")
	assert.Contains(t, got, "pkg.helper")
	assert.Contains(t, got, "pkg.other")
	assert.Contains(t, got, "os")
	assert.NotContains(t, got, "json")
}
