package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InitiateExecution starts the next execution for the request's (repo, job,
// environment) triple. The previous current execution's recorded state is
// copied forward as the new execution's comparison baseline, the previous
// row is superseded, and the package manifests are diffed so callers can
// invalidate only tests that use a changed package.
func (d *DB) InitiateExecution(ctx context.Context, req InitiateRequest) (*ExecutionState, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("initiate execution: begin: %w", err)
	}
	defer tx.Rollback()

	var prevID int64
	var prevPackages string
	hasPrev := true
	err = tx.QueryRowContext(ctx,
		`SELECT id, packages FROM executions
		 WHERE repo = ? AND job = ? AND environment = ? AND current`,
		req.Repo, req.Job, req.Environment,
	).Scan(&prevID, &prevPackages)
	if err == sql.ErrNoRows {
		hasPrev = false
	} else if err != nil {
		return nil, fmt.Errorf("initiate execution: lookup current: %w", err)
	}

	if hasPrev {
		if _, err := tx.ExecContext(ctx,
			"UPDATE executions SET current = FALSE WHERE id = ?", prevID); err != nil {
			return nil, fmt.Errorf("initiate execution: supersede: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions (repo, job, environment, packages, runtime_version, vcs_revision, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.Repo, req.Job, req.Environment, req.Packages, req.RuntimeVersion,
		req.Meta["vcs_revision"], time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("initiate execution: insert: %w", err)
	}
	execID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("initiate execution: insert id: %w", err)
	}

	state := &ExecutionState{ExecutionID: execID}
	if hasPrev {
		if err := copyExecutionState(ctx, tx, prevID, execID); err != nil {
			return nil, fmt.Errorf("initiate execution: inherit baseline: %w", err)
		}
		state.ChangedPackages = DiffManifests(prevPackages, req.Packages)
		state.PackagesChanged = len(state.ChangedPackages) > 0
	}

	if state.KnownFiles, err = scanStrings(ctx, tx,
		"SELECT DISTINCT filename FROM fingerprints WHERE execution_id = ? ORDER BY filename", execID); err != nil {
		return nil, fmt.Errorf("initiate execution: known files: %w", err)
	}
	if state.FileDepPaths, err = scanStrings(ctx, tx,
		`SELECT DISTINCT d.path FROM file_deps d
		 JOIN test_executions t ON t.id = d.test_execution_id
		 WHERE t.execution_id = ? ORDER BY d.path`, execID); err != nil {
		return nil, fmt.Errorf("initiate execution: file dep paths: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("initiate execution: commit: %w", err)
	}
	return state, nil
}

// copyExecutionState clones fingerprints, test executions, and dependency
// rows from one execution to another, remapping foreign keys.
func copyExecutionState(ctx context.Context, tx *sql.Tx, fromID, toID int64) error {
	fpMap := make(map[int64]int64)
	rows, err := tx.QueryContext(ctx,
		"SELECT id, filename, fsha, mtime, checksums FROM fingerprints WHERE execution_id = ?", fromID)
	if err != nil {
		return fmt.Errorf("read fingerprints: %w", err)
	}
	type fpRow struct {
		id        int64
		filename  string
		fsha      string
		mtime     int64
		checksums []byte
	}
	var fps []fpRow
	for rows.Next() {
		var r fpRow
		if err := rows.Scan(&r.id, &r.filename, &r.fsha, &r.mtime, &r.checksums); err != nil {
			rows.Close()
			return fmt.Errorf("scan fingerprint: %w", err)
		}
		fps = append(fps, r)
	}
	rows.Close()
	for _, r := range fps {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO fingerprints (execution_id, filename, fsha, mtime, checksums) VALUES (?, ?, ?, ?, ?)",
			toID, r.filename, r.fsha, r.mtime, r.checksums)
		if err != nil {
			return fmt.Errorf("copy fingerprint: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		fpMap[r.id] = newID
	}

	testMap := make(map[int64]int64)
	rows, err = tx.QueryContext(ctx,
		"SELECT id, test_name, duration_ms, failed, forced FROM test_executions WHERE execution_id = ?", fromID)
	if err != nil {
		return fmt.Errorf("read test executions: %w", err)
	}
	type testRow struct {
		id         int64
		name       string
		durationMS int64
		failed     bool
		forced     bool
	}
	var tests []testRow
	for rows.Next() {
		var r testRow
		if err := rows.Scan(&r.id, &r.name, &r.durationMS, &r.failed, &r.forced); err != nil {
			rows.Close()
			return fmt.Errorf("scan test execution: %w", err)
		}
		tests = append(tests, r)
	}
	rows.Close()
	for _, r := range tests {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO test_executions (execution_id, test_name, duration_ms, failed, forced) VALUES (?, ?, ?, ?, ?)",
			toID, r.name, r.durationMS, r.failed, r.forced)
		if err != nil {
			return fmt.Errorf("copy test execution: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		testMap[r.id] = newID
	}

	type linkRow struct{ a, b int64 }
	var links []linkRow
	rows, err = tx.QueryContext(ctx,
		`SELECT j.test_execution_id, j.fingerprint_id FROM test_execution_fingerprints j
		 JOIN test_executions t ON t.id = j.test_execution_id WHERE t.execution_id = ?`, fromID)
	if err != nil {
		return fmt.Errorf("read associations: %w", err)
	}
	for rows.Next() {
		var r linkRow
		if err := rows.Scan(&r.a, &r.b); err != nil {
			rows.Close()
			return fmt.Errorf("scan association: %w", err)
		}
		links = append(links, r)
	}
	rows.Close()
	for _, r := range links {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO test_execution_fingerprints (test_execution_id, fingerprint_id) VALUES (?, ?)",
			testMap[r.a], fpMap[r.b]); err != nil {
			return fmt.Errorf("copy association: %w", err)
		}
	}

	type depRow struct {
		testID int64
		key    string
		value  string
	}
	var fdeps []depRow
	rows, err = tx.QueryContext(ctx,
		`SELECT d.test_execution_id, d.path, d.sha FROM file_deps d
		 JOIN test_executions t ON t.id = d.test_execution_id WHERE t.execution_id = ?`, fromID)
	if err != nil {
		return fmt.Errorf("read file deps: %w", err)
	}
	for rows.Next() {
		var r depRow
		if err := rows.Scan(&r.testID, &r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan file dep: %w", err)
		}
		fdeps = append(fdeps, r)
	}
	rows.Close()
	for _, r := range fdeps {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO file_deps (test_execution_id, path, sha) VALUES (?, ?, ?)",
			testMap[r.testID], r.key, r.value); err != nil {
			return fmt.Errorf("copy file dep: %w", err)
		}
	}

	var pdeps []depRow
	rows, err = tx.QueryContext(ctx,
		`SELECT d.test_execution_id, d.package, '' FROM package_deps d
		 JOIN test_executions t ON t.id = d.test_execution_id WHERE t.execution_id = ?`, fromID)
	if err != nil {
		return fmt.Errorf("read package deps: %w", err)
	}
	for rows.Next() {
		var r depRow
		if err := rows.Scan(&r.testID, &r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan package dep: %w", err)
		}
		pdeps = append(pdeps, r)
	}
	rows.Close()
	for _, r := range pdeps {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO package_deps (test_execution_id, package) VALUES (?, ?)",
			testMap[r.testID], r.key); err != nil {
			return fmt.Errorf("copy package dep: %w", err)
		}
	}

	return nil
}

// FinishExecution records the run's duration and savings, rolls the savings
// into the lifetime aggregate, and prunes fingerprint rows no test
// references anymore (superseded file versions).
func (d *DB) FinishExecution(ctx context.Context, execID int64, fin FinishStats) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish execution: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET duration_ms = ?, selected = ?, skipped_tests = ?, skipped_ms = ?
		 WHERE id = ?`,
		fin.Duration.Milliseconds(), fin.Selected, fin.SkippedTests, fin.SkippedTime.Milliseconds(), execID)
	if err != nil {
		return fmt.Errorf("finish execution: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish execution %d: %w", execID, ErrUnknownExecution)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifetime_stats (repo, job, environment, skipped_tests, skipped_ms)
		 SELECT repo, job, environment, ?, ? FROM executions WHERE id = ?
		 ON CONFLICT(repo, job, environment) DO UPDATE SET
		   skipped_tests = skipped_tests + excluded.skipped_tests,
		   skipped_ms = skipped_ms + excluded.skipped_ms`,
		fin.SkippedTests, fin.SkippedTime.Milliseconds(), execID); err != nil {
		return fmt.Errorf("finish execution: lifetime stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE execution_id = ?
		 AND id NOT IN (SELECT fingerprint_id FROM test_execution_fingerprints)`, execID); err != nil {
		return fmt.Errorf("finish execution: prune fingerprints: %w", err)
	}

	return tx.Commit()
}

// WriteAttribute stores opaque per-execution metadata under key.
func (d *DB) WriteAttribute(ctx context.Context, execID int64, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO attributes (execution_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id, key) DO UPDATE SET value = excluded.value`,
		execID, key, value)
	if err != nil {
		return fmt.Errorf("write attribute %s: %w", key, err)
	}
	return nil
}

// FetchAttribute returns the stored value for key, or "" when unset.
func (d *DB) FetchAttribute(ctx context.Context, execID int64, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx,
		"SELECT value FROM attributes WHERE execution_id = ? AND key = ?", execID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch attribute %s: %w", key, err)
	}
	return value, nil
}

// FetchSavingStats returns the execution's own savings plus the lifetime
// aggregate for its (repo, job, environment).
func (d *DB) FetchSavingStats(ctx context.Context, execID int64) (*SavingStats, error) {
	var stats SavingStats
	var runSkippedMS, lifeSkippedMS int64
	err := d.db.QueryRowContext(ctx,
		`SELECT e.skipped_tests, e.skipped_ms,
		        COALESCE(l.skipped_tests, 0), COALESCE(l.skipped_ms, 0)
		 FROM executions e
		 LEFT JOIN lifetime_stats l
		   ON l.repo = e.repo AND l.job = e.job AND l.environment = e.environment
		 WHERE e.id = ?`, execID,
	).Scan(&stats.RunSkippedTests, &runSkippedMS, &stats.LifetimeSkippedTests, &lifeSkippedMS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("saving stats for execution %d: %w", execID, ErrUnknownExecution)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch saving stats: %w", err)
	}
	stats.RunSkippedTime = time.Duration(runSkippedMS) * time.Millisecond
	stats.LifetimeSkippedTime = time.Duration(lifeSkippedMS) * time.Millisecond
	return &stats, nil
}
