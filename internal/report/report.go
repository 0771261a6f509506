// Package report answers read-only questions about recorded executions:
// which tests depend on a file, what a test depends on, and how much
// time selection has saved.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jward/sift/internal/fingerprint"
	"github.com/jward/sift/internal/store"
)

// ErrNotFound is returned when the queried test or file is not recorded.
var ErrNotFound = errors.New("not recorded")

// Reporter builds reports over one embedded store.
type Reporter struct {
	db *store.DB
}

// New creates a Reporter over db.
func New(db *store.DB) *Reporter {
	return &Reporter{db: db}
}

// EnvironmentSummary aggregates one environment's current execution.
type EnvironmentSummary struct {
	Environment    string        `json:"environment"`
	RuntimeVersion string        `json:"runtimeVersion"`
	VCSRevision    string        `json:"vcsRevision,omitempty"`
	Tests          int           `json:"tests"`
	FailedTests    int           `json:"failedTests"`
	Files          int           `json:"files"`
	Fingerprints   int           `json:"fingerprints"`
	SkippedTests   int           `json:"skippedTests"`
	SkippedTime    time.Duration `json:"skippedTime"`
	LifetimeTests  int           `json:"lifetimeSkippedTests"`
	LifetimeTime   time.Duration `json:"lifetimeSkippedTime"`
}

// TestDependency is one test that depends on a queried file.
type TestDependency struct {
	Environment string        `json:"environment"`
	TestName    string        `json:"testName"`
	Duration    time.Duration `json:"duration"`
	Failed      bool          `json:"failed"`
	Blocks      int           `json:"blocks"` // covered blocks in the queried file
}

// FileDetail is one file a queried test depends on.
type FileDetail struct {
	Filename string `json:"filename"`
	FSHA     string `json:"fsha"`
	Blocks   int    `json:"blocks"`
}

// TestDetail is the full dependency surface of one test.
type TestDetail struct {
	Environment string            `json:"environment"`
	TestName    string            `json:"testName"`
	Duration    time.Duration     `json:"duration"`
	Failed      bool              `json:"failed"`
	Forced      bool              `json:"forced"`
	Files       []FileDetail      `json:"files"`
	FileDeps    map[string]string `json:"fileDeps,omitempty"`
	PackageDeps []string          `json:"packageDeps,omitempty"`
}

// CoDependency is an undirected edge between two files that share at
// least one depending test.
type CoDependency struct {
	FileA       string `json:"fileA"`
	FileB       string `json:"fileB"`
	SharedTests int    `json:"sharedTests"`
}

// currentExecutions returns current execution ids, optionally narrowed
// to one environment.
func (r *Reporter) currentExecutions(ctx context.Context, environment string) (map[int64]string, error) {
	query := "SELECT id, environment FROM executions WHERE current"
	args := []any{}
	if environment != "" {
		query += " AND environment = ?"
		args = append(args, environment)
	}
	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("current executions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var env string
		if err := rows.Scan(&id, &env); err != nil {
			return nil, fmt.Errorf("current executions: scan: %w", err)
		}
		out[id] = env
	}
	return out, rows.Err()
}

// Summary aggregates every current execution, or just the one for
// environment when non-empty.
func (r *Reporter) Summary(ctx context.Context, environment string) ([]EnvironmentSummary, error) {
	query := `
		SELECT e.id, e.environment, e.runtime_version, e.vcs_revision,
		       e.skipped_tests, e.skipped_ms,
		       COALESCE(ls.skipped_tests, 0), COALESCE(ls.skipped_ms, 0)
		FROM executions e
		LEFT JOIN lifetime_stats ls
		  ON ls.repo = e.repo AND ls.job = e.job AND ls.environment = e.environment
		WHERE e.current`
	args := []any{}
	if environment != "" {
		query += " AND e.environment = ?"
		args = append(args, environment)
	}
	query += " ORDER BY e.environment"

	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []EnvironmentSummary
	var ids []int64
	for rows.Next() {
		var s EnvironmentSummary
		var id, skippedMS, lifetimeMS int64
		if err := rows.Scan(&id, &s.Environment, &s.RuntimeVersion, &s.VCSRevision,
			&s.SkippedTests, &skippedMS, &s.LifetimeTests, &lifetimeMS); err != nil {
			return nil, fmt.Errorf("summary: scan: %w", err)
		}
		s.SkippedTime = time.Duration(skippedMS) * time.Millisecond
		s.LifetimeTime = time.Duration(lifetimeMS) * time.Millisecond
		summaries = append(summaries, s)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary: rows: %w", err)
	}

	for i, id := range ids {
		if err := r.fillCounts(ctx, id, &summaries[i]); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

func (r *Reporter) fillCounts(ctx context.Context, execID int64, s *EnvironmentSummary) error {
	row := r.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(failed), 0)
		FROM test_executions WHERE execution_id = ?`, execID)
	if err := row.Scan(&s.Tests, &s.FailedTests); err != nil {
		return fmt.Errorf("summary: test counts: %w", err)
	}
	row = r.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT filename), COUNT(*)
		FROM fingerprints WHERE execution_id = ?`, execID)
	if err := row.Scan(&s.Files, &s.Fingerprints); err != nil {
		return fmt.Errorf("summary: fingerprint counts: %w", err)
	}
	return nil
}

// TestsForFile lists every test depending on filename, across current
// executions. Both block-level fingerprints and raw file dependencies
// count as depending.
func (r *Reporter) TestsForFile(ctx context.Context, environment, filename string) ([]TestDependency, error) {
	execs, err := r.currentExecutions(ctx, environment)
	if err != nil {
		return nil, err
	}

	var deps []TestDependency
	seen := make(map[string]int) // env + "\x00" + test -> index in deps
	for execID, env := range execs {
		rows, err := r.db.SQL().QueryContext(ctx, `
			SELECT te.test_name, te.duration_ms, te.failed, f.checksums
			FROM test_executions te
			JOIN test_execution_fingerprints tef ON tef.test_execution_id = te.id
			JOIN fingerprints f ON f.id = tef.fingerprint_id
			WHERE te.execution_id = ? AND f.filename = ?
			ORDER BY te.test_name`, execID, filename)
		if err != nil {
			return nil, fmt.Errorf("tests for file: %w", err)
		}
		for rows.Next() {
			var name string
			var durationMS int64
			var failed bool
			var blob []byte
			if err := rows.Scan(&name, &durationMS, &failed, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("tests for file: scan: %w", err)
			}
			checksums, err := fingerprint.DecodeChecksums(blob)
			if err != nil {
				checksums = nil
			}
			deps = append(deps, TestDependency{
				Environment: env,
				TestName:    name,
				Duration:    time.Duration(durationMS) * time.Millisecond,
				Failed:      failed,
				Blocks:      len(checksums),
			})
			seen[env+"\x00"+name] = len(deps) - 1
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("tests for file: rows: %w", err)
		}
		rows.Close()

		// Raw file dependencies, e.g. fixture or data files.
		rows, err = r.db.SQL().QueryContext(ctx, `
			SELECT te.test_name, te.duration_ms, te.failed
			FROM test_executions te
			JOIN file_deps fd ON fd.test_execution_id = te.id
			WHERE te.execution_id = ? AND fd.path = ?
			ORDER BY te.test_name`, execID, filename)
		if err != nil {
			return nil, fmt.Errorf("tests for file: file deps: %w", err)
		}
		for rows.Next() {
			var name string
			var durationMS int64
			var failed bool
			if err := rows.Scan(&name, &durationMS, &failed); err != nil {
				rows.Close()
				return nil, fmt.Errorf("tests for file: scan file dep: %w", err)
			}
			if _, ok := seen[env+"\x00"+name]; ok {
				continue
			}
			deps = append(deps, TestDependency{
				Environment: env,
				TestName:    name,
				Duration:    time.Duration(durationMS) * time.Millisecond,
				Failed:      failed,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("tests for file: file dep rows: %w", err)
		}
		rows.Close()
	}
	return deps, nil
}

// DependencyDetail returns everything one test depends on. With an
// empty environment the first current execution recording the test
// wins.
func (r *Reporter) DependencyDetail(ctx context.Context, environment, testName string) (*TestDetail, error) {
	execs, err := r.currentExecutions(ctx, environment)
	if err != nil {
		return nil, err
	}

	for execID, env := range execs {
		var teID int64
		detail := &TestDetail{Environment: env, TestName: testName}
		var durationMS int64
		err := r.db.SQL().QueryRowContext(ctx, `
			SELECT id, duration_ms, failed, forced
			FROM test_executions
			WHERE execution_id = ? AND test_name = ?`, execID, testName).
			Scan(&teID, &durationMS, &detail.Failed, &detail.Forced)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dependency detail: %w", err)
		}
		detail.Duration = time.Duration(durationMS) * time.Millisecond

		rows, err := r.db.SQL().QueryContext(ctx, `
			SELECT f.filename, f.fsha, f.checksums
			FROM fingerprints f
			JOIN test_execution_fingerprints tef ON tef.fingerprint_id = f.id
			WHERE tef.test_execution_id = ?
			ORDER BY f.filename`, teID)
		if err != nil {
			return nil, fmt.Errorf("dependency detail: fingerprints: %w", err)
		}
		for rows.Next() {
			var fd FileDetail
			var blob []byte
			if err := rows.Scan(&fd.Filename, &fd.FSHA, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dependency detail: scan: %w", err)
			}
			if checksums, err := fingerprint.DecodeChecksums(blob); err == nil {
				fd.Blocks = len(checksums)
			}
			detail.Files = append(detail.Files, fd)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dependency detail: rows: %w", err)
		}
		rows.Close()

		rows, err = r.db.SQL().QueryContext(ctx, `
			SELECT path, sha FROM file_deps WHERE test_execution_id = ? ORDER BY path`, teID)
		if err != nil {
			return nil, fmt.Errorf("dependency detail: file deps: %w", err)
		}
		for rows.Next() {
			var path, sha string
			if err := rows.Scan(&path, &sha); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dependency detail: scan file dep: %w", err)
			}
			if detail.FileDeps == nil {
				detail.FileDeps = make(map[string]string)
			}
			detail.FileDeps[path] = sha
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dependency detail: file dep rows: %w", err)
		}
		rows.Close()

		rows, err = r.db.SQL().QueryContext(ctx, `
			SELECT package FROM package_deps WHERE test_execution_id = ? ORDER BY package`, teID)
		if err != nil {
			return nil, fmt.Errorf("dependency detail: package deps: %w", err)
		}
		for rows.Next() {
			var pkg string
			if err := rows.Scan(&pkg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dependency detail: scan package: %w", err)
			}
			detail.PackageDeps = append(detail.PackageDeps, pkg)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dependency detail: package rows: %w", err)
		}
		rows.Close()

		return detail, nil
	}
	return nil, ErrNotFound
}

// CoDependencyGraph joins files through shared depending tests. Edges
// are sorted by shared-test count, heaviest first.
func (r *Reporter) CoDependencyGraph(ctx context.Context, environment string) ([]CoDependency, error) {
	execs, err := r.currentExecutions(ctx, environment)
	if err != nil {
		return nil, err
	}

	counts := make(map[[2]string]int)
	for execID := range execs {
		rows, err := r.db.SQL().QueryContext(ctx, `
			SELECT fa.filename, fb.filename, COUNT(DISTINCT ta.test_execution_id)
			FROM test_execution_fingerprints ta
			JOIN test_execution_fingerprints tb ON ta.test_execution_id = tb.test_execution_id
			JOIN fingerprints fa ON fa.id = ta.fingerprint_id
			JOIN fingerprints fb ON fb.id = tb.fingerprint_id
			WHERE fa.execution_id = ? AND fa.filename < fb.filename
			GROUP BY fa.filename, fb.filename`, execID)
		if err != nil {
			return nil, fmt.Errorf("codependency graph: %w", err)
		}
		for rows.Next() {
			var a, b string
			var n int
			if err := rows.Scan(&a, &b, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("codependency graph: scan: %w", err)
			}
			counts[[2]string{a, b}] += n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("codependency graph: rows: %w", err)
		}
		rows.Close()
	}

	edges := make([]CoDependency, 0, len(counts))
	for pair, n := range counts {
		edges = append(edges, CoDependency{FileA: pair[0], FileB: pair[1], SharedTests: n})
	}
	// Heaviest first, ties by filename for stable output.
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.SharedTests != b.SharedTests {
			return a.SharedTests > b.SharedTests
		}
		if a.FileA != b.FileA {
			return a.FileA < b.FileA
		}
		return a.FileB < b.FileB
	})
	return edges, nil
}
