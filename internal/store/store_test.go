package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sift.db")
	d, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func initiate(t *testing.T, d *DB, packages string) *ExecutionState {
	t.Helper()
	state, err := d.InitiateExecution(context.Background(), InitiateRequest{
		Repo:           "repo",
		Job:            "default",
		Environment:    "linux-py311",
		Packages:       packages,
		RuntimeVersion: "3.11.4",
	})
	require.NoError(t, err)
	require.Positive(t, state.ExecutionID)
	return state
}

func record(checksums map[string][]int32, opts ...func(*TestRecord)) TestRecord {
	fps := make(map[string]Filefp, len(checksums))
	for filename, sums := range checksums {
		fps[filename] = Filefp{FSHA: "fsha-" + filename, Checksums: sums}
	}
	rec := TestRecord{Duration: 20 * time.Millisecond, Fingerprints: fps}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

func failed(rec *TestRecord) { rec.Failed = true }

// =============================================================================
// Schema & lifecycle
// =============================================================================

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "sift.db")
	d, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	d, err = Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestInitiateExecution_FirstRun(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	state := initiate(t, d, "numpy==1.26.0")
	assert.Empty(t, state.KnownFiles)
	assert.False(t, state.PackagesChanged)
	assert.Empty(t, state.ChangedPackages)
}

func TestInitiateExecution_SingleCurrentPerTriple(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	first := initiate(t, d, "")
	second := initiate(t, d, "")
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	var count int
	err := d.SQL().QueryRow(
		"SELECT COUNT(*) FROM executions WHERE repo='repo' AND job='default' AND environment='linux-py311' AND current",
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInitiateExecution_InheritsBaseline(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()

	first := initiate(t, d, "")
	require.NoError(t, d.InsertTestFingerprints(ctx, first.ExecutionID, map[string]TestRecord{
		"tests/test_a.py::test_one": record(map[string][]int32{"src/a.py": {1, 2}}),
	}))

	second := initiate(t, d, "")
	assert.Equal(t, []string{"src/a.py"}, second.KnownFiles)

	tests, err := d.AllTestExecutions(ctx, second.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, tests, "tests/test_a.py::test_one")
}

func TestInitiateExecution_PackageDiff(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	initiate(t, d, "numpy==1.26.0\nrequests==2.31.0")

	state := initiate(t, d, "numpy==1.26.1\nrequests==2.31.0\npytest==8.0.0")
	assert.True(t, state.PackagesChanged)
	assert.Equal(t, []string{"numpy", "pytest"}, state.ChangedPackages)

	state = initiate(t, d, "numpy==1.26.1\nrequests==2.31.0\npytest==8.0.0")
	assert.False(t, state.PackagesChanged)
}

// =============================================================================
// FetchUnknownFiles
// =============================================================================

func TestFetchUnknownFiles(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1}}),
	}))

	// Matching hash: nothing to recompute.
	unknown, err := d.FetchUnknownFiles(ctx, state.ExecutionID, map[string]string{"src/a.py": "fsha-src/a.py"})
	require.NoError(t, err)
	assert.Empty(t, unknown)

	// Differing hash: the file is a candidate.
	unknown, err = d.FetchUnknownFiles(ctx, state.ExecutionID, map[string]string{"src/a.py": "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.py"}, unknown)

	// Never-seen file: also a candidate.
	unknown, err = d.FetchUnknownFiles(ctx, state.ExecutionID, map[string]string{
		"src/a.py": "fsha-src/a.py",
		"src/b.py": "whatever",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/b.py"}, unknown)
}

// =============================================================================
// DetermineTests
// =============================================================================

func TestDetermineTests_SharedBlockInvalidatesAllDependents(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	// Both tests depend on checksum 77 (a shared function's block).
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/calc.py": {10, 77}}),
		"t2": record(map[string][]int32{"src/calc.py": {10, 77, 90}}),
		"t3": record(map[string][]int32{"src/other.py": {5}}),
	}))

	// Checksum 77 vanished from the current file: both dependents affected,
	// the unrelated test untouched.
	det, err := d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/calc.py": {10, 78, 90}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, det.Affected)
}

func TestDetermineTests_UnchangedChecksumsStayStable(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/calc.py": {10, 77}}),
	}))

	// All recorded checksums still present (extra current ones are fine).
	det, err := d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/calc.py": {10, 77, 123}}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, det.Affected)
}

func TestDetermineTests_FileDepHashMismatch(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(nil, func(r *TestRecord) {
			r.FileDeps = map[string]string{"data/fixtures.json": "hash-one"}
		}),
	}))

	det, err := d.DetermineTests(ctx, state.ExecutionID, nil,
		map[string]string{"data/fixtures.json": "hash-two"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, det.Affected)

	det, err = d.DetermineTests(ctx, state.ExecutionID, nil,
		map[string]string{"data/fixtures.json": "hash-one"}, nil)
	require.NoError(t, err)
	assert.Empty(t, det.Affected)
}

func TestDetermineTests_PackageChangeScopedToUsers(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_numpy": record(nil, func(r *TestRecord) { r.PackageDeps = []string{"numpy"} }),
		"t_plain": record(map[string][]int32{"src/a.py": {1}}),
	}))

	// Upgrading requests must not touch the numpy-only test.
	det, err := d.DetermineTests(ctx, state.ExecutionID, nil, nil, []string{"requests"})
	require.NoError(t, err)
	assert.Empty(t, det.Affected)

	det, err = d.DetermineTests(ctx, state.ExecutionID, nil, nil, []string{"numpy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t_numpy"}, det.Affected)
}

func TestDetermineTests_ReportsPreviousFailures(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_pass": record(map[string][]int32{"src/a.py": {1}}),
		"t_fail": record(map[string][]int32{"src/a.py": {1}}, failed),
	}))

	det, err := d.DetermineTests(ctx, state.ExecutionID, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, det.Affected)
	assert.Equal(t, []string{"t_fail"}, det.Failing)
}

func TestDetermineTests_MalformedBlobIsUnstable(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1}}),
	}))
	_, err := d.SQL().Exec("UPDATE fingerprints SET checksums = X'0102'")
	require.NoError(t, err)

	det, err := d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/a.py": {1}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, det.Affected)
}

func TestDetermineTests_EmptyFingerprintNeverMatches(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	// A test recorded against a then-unparseable file carries an empty
	// checksum list. Once the file changes it must come back.
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/broken.py": nil}),
	}))

	det, err := d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/broken.py": {123}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, det.Affected)
}

func TestDetermineTests_ForcedTestIsAlwaysAffected(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_forced":   {Forced: true},
		"t_recorded": record(map[string][]int32{"src/a.py": {1}}),
	}))

	// Even with no changed inputs at all, the placeholder is affected.
	det, err := d.DetermineTests(ctx, state.ExecutionID, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t_forced"}, det.Affected)

	// A real recording clears the flag and restores match semantics.
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_forced": record(map[string][]int32{"src/a.py": {1}}),
	}))
	det, err = d.DetermineTests(ctx, state.ExecutionID, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, det.Affected)
}

func TestDetermineTests_DependencyFreeTestIsAlwaysAffected(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	// No fingerprints, file deps, or package deps: nothing could ever
	// invalidate this test, so it must never be held stable.
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_bare": {Duration: 5 * time.Millisecond},
	}))

	det, err := d.DetermineTests(ctx, state.ExecutionID, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t_bare"}, det.Affected)
}

// =============================================================================
// Insert / delete / reconcile
// =============================================================================

func TestInsertTestFingerprints_ReplacesPriorRows(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1, 2}}),
	}))
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/b.py": {9}}),
	}))

	// Only the new dependency remains associated.
	det, err := d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/a.py": {555}}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, det.Affected, "old association must be gone")

	det, err = d.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"src/b.py": {555}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, det.Affected)
}

func TestInsertTestFingerprints_Idempotent(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	batch := map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1, 2}}),
	}
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, batch))
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, batch))

	var count int
	require.NoError(t, d.SQL().QueryRow("SELECT COUNT(*) FROM fingerprints").Scan(&count))
	assert.Equal(t, 1, count, "identical fingerprints must be deduplicated")
}

func TestDeleteTestExecutions_RemovedTestDisappears(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t_kept":    record(map[string][]int32{"src/a.py": {1}}),
		"t_removed": record(map[string][]int32{"src/a.py": {1}}),
	}))
	require.NoError(t, d.DeleteTestExecutions(ctx, state.ExecutionID, []string{"t_removed"}))

	tests, err := d.AllTestExecutions(ctx, state.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, tests, "t_kept")
	assert.NotContains(t, tests, "t_removed")
}

// =============================================================================
// Attributes, stats, finish
// =============================================================================

func TestAttributes_RoundTrip(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	value, err := d.FetchAttribute(ctx, state.ExecutionID, "notice")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, d.WriteAttribute(ctx, state.ExecutionID, "notice", "coverage gaps detected"))
	require.NoError(t, d.WriteAttribute(ctx, state.ExecutionID, "notice", "updated"))

	value, err = d.FetchAttribute(ctx, state.ExecutionID, "notice")
	require.NoError(t, err)
	assert.Equal(t, "updated", value)
}

func TestFinishExecution_StatsAndPruning(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()

	first := initiate(t, d, "")
	require.NoError(t, d.InsertTestFingerprints(ctx, first.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1}}),
	}))
	require.NoError(t, d.FinishExecution(ctx, first.ExecutionID, FinishStats{
		Duration:     time.Second,
		Selected:     true,
		SkippedTests: 3,
		SkippedTime:  300 * time.Millisecond,
	}))

	second := initiate(t, d, "")
	require.NoError(t, d.FinishExecution(ctx, second.ExecutionID, FinishStats{
		Duration:     time.Second,
		Selected:     true,
		SkippedTests: 2,
		SkippedTime:  200 * time.Millisecond,
	}))

	stats, err := d.FetchSavingStats(ctx, second.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RunSkippedTests)
	assert.Equal(t, 200*time.Millisecond, stats.RunSkippedTime)
	assert.Equal(t, 5, stats.LifetimeSkippedTests)
	assert.Equal(t, 500*time.Millisecond, stats.LifetimeSkippedTime)
}

func TestFinishExecution_PrunesOrphanedFingerprints(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	ctx := context.Background()
	state := initiate(t, d, "")

	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/a.py": {1}}),
	}))
	// Superseding the dependency orphans the original fingerprint row.
	require.NoError(t, d.InsertTestFingerprints(ctx, state.ExecutionID, map[string]TestRecord{
		"t1": record(map[string][]int32{"src/b.py": {2}}),
	}))
	require.NoError(t, d.FinishExecution(ctx, state.ExecutionID, FinishStats{}))

	names, err := d.Filenames(ctx, state.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/b.py"}, names)
}

func TestFinishExecution_UnknownExecution(t *testing.T) {
	t.Parallel()
	d := newTestStore(t)
	err := d.FinishExecution(context.Background(), 9999, FinishStats{})
	assert.ErrorIs(t, err, ErrUnknownExecution)
}
