package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownExecution is returned when an execution id is not present in the
// store. Callers treat the condition as "must re-run everything", never as a
// silent no-op.
var ErrUnknownExecution = errors.New("unknown execution")

// InitiateRequest starts or resumes an execution for one (repo, job,
// environment) triple.
type InitiateRequest struct {
	Repo           string            `json:"repo"`
	Job            string            `json:"job"`
	Environment    string            `json:"environment"`
	Packages       string            `json:"packages"`       // serialized manifest, one "name==version" per line
	RuntimeVersion string            `json:"runtimeVersion"` // interpreter/runtime version string
	Meta           map[string]string `json:"meta,omitempty"` // e.g. VCS revision
}

// ExecutionState is the result of initiating an execution: the id to address
// all further operations, the file universe the store already knows, and the
// package-manifest diff against the previous execution of this environment.
type ExecutionState struct {
	ExecutionID     int64    `json:"executionId"`
	KnownFiles      []string `json:"knownFiles"`
	FileDepPaths    []string `json:"fileDepPaths"`
	PackagesChanged bool     `json:"packagesChanged"`
	ChangedPackages []string `json:"changedPackages,omitempty"`
}

// TestRecord is one test's outcome and captured dependencies, as flushed by
// the recorder at the end of a batch.
type TestRecord struct {
	Duration     time.Duration     `json:"duration"`
	Failed       bool              `json:"failed"`
	Forced       bool              `json:"forced"`
	Fingerprints map[string]Filefp `json:"fingerprints"` // filename -> fingerprint
	FileDeps     map[string]string `json:"fileDeps,omitempty"`
	PackageDeps  []string          `json:"packageDeps,omitempty"`
}

// Filefp is one file version as depended on by one test: the whole-file hash
// plus the checksums of exactly the covered blocks.
type Filefp struct {
	FSHA      string  `json:"fsha"`
	MTime     int64   `json:"mtime"`
	Checksums []int32 `json:"checksums"`
}

// TestExecution is one test's recorded outcome within one execution.
type TestExecution struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Failed   bool          `json:"failed"`
	Forced   bool          `json:"forced"`
}

// Determination partitions the known tests for a set of changed inputs.
type Determination struct {
	Affected []string `json:"affected"`
	Failing  []string `json:"failing"`
}

// FileFingerprint is a stored fingerprint row, exposed for reporting.
type FileFingerprint struct {
	ID        int64   `json:"id"`
	Filename  string  `json:"filename"`
	FSHA      string  `json:"fsha"`
	MTime     int64   `json:"mtime"`
	Checksums []int32 `json:"checksums"`
}

// FinishStats closes out an execution with its aggregate savings.
type FinishStats struct {
	Duration     time.Duration `json:"duration"`
	Selected     bool          `json:"selected"` // whether selection actually ran (vs. forced full run)
	SkippedTests int           `json:"skippedTests"`
	SkippedTime  time.Duration `json:"skippedTime"`
}

// SavingStats aggregates skipped-vs-run counts for the current run and over
// the store's lifetime.
type SavingStats struct {
	RunSkippedTests      int           `json:"runSkippedTests"`
	RunSkippedTime       time.Duration `json:"runSkippedTime"`
	LifetimeSkippedTests int           `json:"lifetimeSkippedTests"`
	LifetimeSkippedTime  time.Duration `json:"lifetimeSkippedTime"`
}

// Backend is the fingerprint store contract. The embedded SQLite store and
// the network client implement it with byte-identical semantics; the
// selection engine is written against this interface and never against a
// concrete store.
type Backend interface {
	// InitiateExecution starts or resumes the current execution for the
	// request's (repo, job, environment) triple. The new execution inherits
	// the previous one's recorded state as its comparison baseline.
	InitiateExecution(ctx context.Context, req InitiateRequest) (*ExecutionState, error)

	// FetchUnknownFiles returns the filenames whose supplied whole-file hash
	// does not match the stored one, or which the store has never seen. Only
	// these need block-level recomputation.
	FetchUnknownFiles(ctx context.Context, execID int64, fshas map[string]string) ([]string, error)

	// DetermineTests compares recorded fingerprints against the supplied
	// current block checksums, non-source file hashes, and changed package
	// names, and returns the affected tests plus the previous run's failures.
	DetermineTests(ctx context.Context, execID int64, current map[string][]int32, fileDeps map[string]string, changedPackages []string) (*Determination, error)

	// InsertTestFingerprints bulk-upserts test outcomes with their dependency
	// fingerprints, replacing each test's prior rows atomically.
	InsertTestFingerprints(ctx context.Context, execID int64, records map[string]TestRecord) error

	// DeleteTestExecutions removes tests no longer discovered by collection.
	DeleteTestExecutions(ctx context.Context, execID int64, testNames []string) error

	AllTestExecutions(ctx context.Context, execID int64) (map[string]TestExecution, error)
	Filenames(ctx context.Context, execID int64) ([]string, error)
	FilenamesFingerprints(ctx context.Context, execID int64) ([]FileFingerprint, error)

	// WriteAttribute and FetchAttribute store opaque per-execution metadata,
	// e.g. cross-run notices. Fetching a missing key returns "".
	WriteAttribute(ctx context.Context, execID int64, key, value string) error
	FetchAttribute(ctx context.Context, execID int64, key string) (string, error)

	FetchSavingStats(ctx context.Context, execID int64) (*SavingStats, error)

	// FinishExecution finalizes aggregate stats and flushes any local state.
	FinishExecution(ctx context.Context, execID int64, fin FinishStats) error

	Close() error
}
