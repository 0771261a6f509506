package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte(content), 0o644))
	return dir
}

func TestLoadDir_Defaults(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Environment)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, filepath.Join(".sift", "sift.db"), cfg.Database)
}

func TestLoadDir_File(t *testing.T) {
	dir := writeConfig(t, `
repo: acme
job: unit
environment: py311
database: /tmp/sift.db
batchSize: 50
include:
  - "src/**/*.py"
exclude:
  - "src/generated/**"
remote:
  url: http://localhost:7447
  token: s3cret
  timeout: 10s
`)
	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Repo)
	assert.Equal(t, "py311", cfg.Environment)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "http://localhost:7447", cfg.Remote.URL)
	assert.Equal(t, "s3cret", cfg.Remote.Token)
}

func TestLoad_RejectsBadBatchSize(t *testing.T) {
	dir := writeConfig(t, "batchSize: 0\n")
	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batchSize")
}

func TestLoad_RejectsBadGlob(t *testing.T) {
	dir := writeConfig(t, "include:\n  - \"src/[\"\n")
	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "glob")
}

func TestMatches(t *testing.T) {
	cfg := Default()
	cfg.Include = []string{"src/**/*.py", "lib/*.py"}
	cfg.Exclude = []string{"src/generated/**"}

	assert.True(t, cfg.Matches("src/app/calc.py"))
	assert.True(t, cfg.Matches("lib/util.py"))
	assert.False(t, cfg.Matches("src/generated/pb.py"))
	assert.False(t, cfg.Matches("docs/readme.md"))
}

func TestMatches_EmptyIncludeMeansAll(t *testing.T) {
	cfg := Default()
	cfg.Exclude = []string{"**/__pycache__/**"}

	assert.True(t, cfg.Matches("anything/at/all.py"))
	assert.False(t, cfg.Matches("app/__pycache__/calc.cpython-311.pyc"))
}
