package remote

import (
	"time"

	"github.com/jward/sift/internal/store"
)

// Wire types for the fingerprint store RPC surface. Every operation is
// addressed by execution id plus operation name; all write payloads are
// idempotent and safely retryable.

// UnknownFilesRequest carries filename -> whole-file hash.
type UnknownFilesRequest struct {
	Hashes map[string]string `json:"hashes"`
}

// UnknownFilesResponse lists filenames needing block-level recomputation.
type UnknownFilesResponse struct {
	Unknown []string `json:"unknown"`
}

// DetermineRequest carries the current state of changed inputs.
type DetermineRequest struct {
	Checksums       map[string][]int32 `json:"checksums,omitempty"`
	FileDeps        map[string]string  `json:"fileDeps,omitempty"`
	ChangedPackages []string           `json:"changedPackages,omitempty"`
}

// InsertRequest bulk-upserts test records.
type InsertRequest struct {
	Records map[string]store.TestRecord `json:"records"`
}

// DeleteTestsRequest removes tests by name.
type DeleteTestsRequest struct {
	TestNames []string `json:"testNames"`
}

// TestExecutionsResponse maps test name to recorded outcome.
type TestExecutionsResponse struct {
	Tests map[string]store.TestExecution `json:"tests"`
}

// FilenamesResponse lists known source filenames.
type FilenamesResponse struct {
	Filenames []string `json:"filenames"`
}

// FingerprintsResponse lists every stored fingerprint row.
type FingerprintsResponse struct {
	Fingerprints []store.FileFingerprint `json:"fingerprints"`
}

// AttributeValue carries one opaque attribute value.
type AttributeValue struct {
	Value string `json:"value"`
}

// FinishRequest finalizes an execution.
type FinishRequest struct {
	DurationMS   int64 `json:"durationMs"`
	Selected     bool  `json:"selected"`
	SkippedTests int   `json:"skippedTests"`
	SkippedMS    int64 `json:"skippedMs"`
}

// ToStats converts the wire form back to store.FinishStats.
func (f FinishRequest) ToStats() store.FinishStats {
	return store.FinishStats{
		Duration:     time.Duration(f.DurationMS) * time.Millisecond,
		Selected:     f.Selected,
		SkippedTests: f.SkippedTests,
		SkippedTime:  time.Duration(f.SkippedMS) * time.Millisecond,
	}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
