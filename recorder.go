package sift

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jward/sift/internal/capture"
	"github.com/jward/sift/internal/fingerprint"
	"github.com/jward/sift/internal/store"
)

// CoverageProvider is the consumed line-coverage surface. The recorder
// treats its per-test line sets as ground truth for which blocks a test
// touched.
type CoverageProvider interface {
	// Start begins a collection window spanning a batch of tests.
	Start() error
	// SwitchContext scopes subsequent line hits to the given test.
	SwitchContext(testID string) error
	// Stop ends the window and returns covered lines per test per file,
	// with filenames relative to the project root.
	Stop() (map[string]map[string][]int, error)
}

// TestOutcome is one completed test as reported by the harness.
type TestOutcome struct {
	TestID   string
	Duration time.Duration
	Failed   bool
	Forced   bool
}

// Recorder batches consecutive tests into one coverage window and flushes
// them to the store as fingerprints. Tests run sequentially within one
// worker, so the Recorder is not safe for concurrent use; the capture
// hooks it exposes are re-entrant.
type Recorder struct {
	backend   store.Backend
	execID    int64
	coverage  CoverageProvider
	session   *capture.Session
	root      string
	batchSize int
	matches   func(string) bool
	logger    *slog.Logger

	pending []TestOutcome
	open    bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBatchSize sets how many tests share one coverage window.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFileFilter restricts which covered files are fingerprinted, e.g.
// to keep interpreter internals out of the dependency map.
func WithFileFilter(matches func(string) bool) RecorderOption {
	return func(r *Recorder) { r.matches = matches }
}

// WithRecorderLogger sets the recorder logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a Recorder writing to backend under execID. The
// resolver supplies the project's import graph for dependency capture.
func NewRecorder(backend store.Backend, execID int64, cov CoverageProvider, resolver *capture.Resolver, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		backend:   backend,
		execID:    execID,
		coverage:  cov,
		session:   capture.NewSession(resolver),
		root:      resolver.Root(),
		batchSize: 250,
		matches:   func(string) bool { return true },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observer returns the hook surface the harness calls before file reads
// and on module imports.
func (r *Recorder) Observer() capture.Observer {
	return r.session
}

// StartTest begins recording one test. The coverage window opens lazily
// on the first test of a batch.
func (r *Recorder) StartTest(testID string) error {
	if !r.open {
		if err := r.coverage.Start(); err != nil {
			return fmt.Errorf("start coverage: %w", err)
		}
		r.open = true
	}
	if err := r.coverage.SwitchContext(testID); err != nil {
		return fmt.Errorf("switch coverage context: %w", err)
	}
	r.session.StartTest(testID)
	return nil
}

// FinishTest commits one test's outcome to the in-memory batch and
// flushes when the batch boundary is reached.
func (r *Recorder) FinishTest(ctx context.Context, outcome TestOutcome) error {
	r.session.StopTest()
	r.pending = append(r.pending, outcome)
	if len(r.pending) >= r.batchSize {
		return r.Flush(ctx)
	}
	return nil
}

// Interrupt discards the in-flight test without persisting it. Batches
// already flushed remain valid; the test re-runs wholesale on a future
// run.
func (r *Recorder) Interrupt(testID string) {
	r.session.StopTest()
	r.session.Discard(testID)
}

// Flush converts the batch's coverage into fingerprints and bulk-writes
// it. Called automatically at batch boundaries; call once more after the
// last test.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.open {
		return nil
	}
	lines, err := r.coverage.Stop()
	r.open = false
	if err != nil {
		// The window's line data is gone. Persisting these outcomes anyway
		// would replace their stored dependencies with nothing, so the whole
		// batch is dropped and re-runs wholesale on a future run.
		for _, outcome := range r.pending {
			r.session.Discard(outcome.TestID)
		}
		r.pending = r.pending[:0]
		return fmt.Errorf("stop coverage: %w", err)
	}
	if len(r.pending) == 0 {
		return nil
	}

	// Per-flush memo: many tests in a batch cover the same files.
	files := make(map[string]*fileVersion)

	records := make(map[string]store.TestRecord, len(r.pending))
	for _, outcome := range r.pending {
		record, err := r.buildRecord(outcome, lines[outcome.TestID], files)
		if err != nil {
			return err
		}
		records[outcome.TestID] = record
		r.session.Discard(outcome.TestID)
	}
	r.pending = r.pending[:0]

	if err := r.backend.InsertTestFingerprints(ctx, r.execID, records); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}
	r.logger.Debug("batch flushed", "tests", len(records))
	return nil
}

// fileVersion caches one parsed file for the duration of a flush.
type fileVersion struct {
	fsha   string
	mtime  int64
	blocks []fingerprint.Block
	ok     bool
}

func (r *Recorder) loadFile(filename string, files map[string]*fileVersion) *fileVersion {
	if v, ok := files[filename]; ok {
		return v
	}
	v := &fileVersion{}
	files[filename] = v

	full := filepath.Join(r.root, filepath.FromSlash(filename))
	content, err := os.ReadFile(full)
	if err != nil {
		// Deleted or unreadable between execution and flush; recording
		// nothing for it means the test re-runs next time.
		r.logger.Warn("skipping unreadable covered file", "file", filename, "error", err)
		return v
	}
	v.fsha = fingerprint.HashBytes(content)
	v.blocks = fingerprint.ParseFile(filename, content)
	if info, err := os.Stat(full); err == nil {
		v.mtime = info.ModTime().Unix()
	}
	v.ok = true
	return v
}

func (r *Recorder) buildRecord(outcome TestOutcome, covered map[string][]int, files map[string]*fileVersion) (store.TestRecord, error) {
	record := store.TestRecord{
		Duration:     outcome.Duration,
		Failed:       outcome.Failed,
		Forced:       outcome.Forced,
		Fingerprints: make(map[string]store.Filefp),
	}

	for filename, coveredLines := range covered {
		if !r.matches(filename) {
			continue
		}
		v := r.loadFile(filename, files)
		if !v.ok {
			continue
		}
		record.Fingerprints[filename] = store.Filefp{
			FSHA:      v.fsha,
			MTime:     v.mtime,
			Checksums: fingerprint.ForLines(v.blocks, coveredLines),
		}
	}

	deps := r.session.DepsFor(outcome.TestID)

	// Importing a module executes its top-level code, so every
	// transitively imported local file contributes its module block even
	// when coverage saw no lines there.
	for _, filename := range deps.LocalFiles {
		if _, ok := record.Fingerprints[filename]; ok {
			continue
		}
		if !r.matches(filename) {
			continue
		}
		v := r.loadFile(filename, files)
		if !v.ok {
			continue
		}
		// An unparseable module yields an empty fingerprint, which can never
		// match; the test re-runs once the module changes again.
		var sums []int32
		if len(v.blocks) > 0 {
			sums = []int32{v.blocks[0].Checksum}
		}
		record.Fingerprints[filename] = store.Filefp{
			FSHA:      v.fsha,
			MTime:     v.mtime,
			Checksums: sums,
		}
	}

	for _, path := range deps.FileReads {
		content, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(path)))
		if err != nil {
			r.logger.Warn("skipping unreadable file dependency", "file", path, "error", err)
			continue
		}
		if record.FileDeps == nil {
			record.FileDeps = make(map[string]string)
		}
		record.FileDeps[capture.FileDepPrefix+path] = fingerprint.HashBytes(content)
	}

	record.PackageDeps = deps.ExternalPkg
	return record, nil
}
