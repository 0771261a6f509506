package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jward/sift/internal/fingerprint"
)

// InsertTestFingerprints bulk-upserts test records. Each test's prior
// fingerprint associations and dependency rows are replaced inside one
// transaction, so concurrent readers never observe a partial overwrite.
// Re-running the same batch is a no-op beyond refreshed outcomes.
func (d *DB) InsertTestFingerprints(ctx context.Context, execID int64, records map[string]TestRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert test fingerprints: begin: %w", err)
	}
	defer tx.Rollback()

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := records[name]
		testID, err := upsertTestExecution(ctx, tx, execID, name, rec)
		if err != nil {
			return err
		}

		for _, q := range []string{
			"DELETE FROM test_execution_fingerprints WHERE test_execution_id = ?",
			"DELETE FROM file_deps WHERE test_execution_id = ?",
			"DELETE FROM package_deps WHERE test_execution_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, testID); err != nil {
				return fmt.Errorf("insert test fingerprints: clear %s: %w", name, err)
			}
		}

		filenames := make([]string, 0, len(rec.Fingerprints))
		for filename := range rec.Fingerprints {
			filenames = append(filenames, filename)
		}
		sort.Strings(filenames)
		for _, filename := range filenames {
			fp := rec.Fingerprints[filename]
			fpID, err := upsertFingerprint(ctx, tx, execID, filename, fp)
			if err != nil {
				return fmt.Errorf("insert test fingerprints: %s/%s: %w", name, filename, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO test_execution_fingerprints (test_execution_id, fingerprint_id)
				 VALUES (?, ?)`, testID, fpID); err != nil {
				return fmt.Errorf("insert test fingerprints: associate %s/%s: %w", name, filename, err)
			}
		}

		for path, sha := range rec.FileDeps {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO file_deps (test_execution_id, path, sha) VALUES (?, ?, ?)",
				testID, path, sha); err != nil {
				return fmt.Errorf("insert test fingerprints: file dep %s: %w", path, err)
			}
		}
		for _, pkg := range rec.PackageDeps {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO package_deps (test_execution_id, package) VALUES (?, ?)",
				testID, pkg); err != nil {
				return fmt.Errorf("insert test fingerprints: package dep %s: %w", pkg, err)
			}
		}
	}

	return tx.Commit()
}

func upsertTestExecution(ctx context.Context, tx *sql.Tx, execID int64, name string, rec TestRecord) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO test_executions (execution_id, test_name, duration_ms, failed, forced)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, test_name) DO UPDATE SET
		   duration_ms = excluded.duration_ms,
		   failed = excluded.failed,
		   forced = excluded.forced`,
		execID, name, rec.Duration.Milliseconds(), rec.Failed, rec.Forced)
	if err != nil {
		return 0, fmt.Errorf("insert test fingerprints: upsert %s: %w", name, err)
	}
	// LastInsertId is unreliable after DO UPDATE; re-read by key.
	var testID int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM test_executions WHERE execution_id = ? AND test_name = ?",
		execID, name).Scan(&testID); err != nil {
		return 0, fmt.Errorf("insert test fingerprints: lookup %s: %w", name, err)
	}
	return testID, nil
}

// upsertFingerprint deduplicates identical (filename, fsha, checksums) rows
// so two tests covering the same blocks share one fingerprint.
func upsertFingerprint(ctx context.Context, tx *sql.Tx, execID int64, filename string, fp Filefp) (int64, error) {
	blob := fingerprint.EncodeChecksums(fp.Checksums)

	var fpID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM fingerprints
		 WHERE execution_id = ? AND filename = ? AND fsha = ? AND checksums = ?`,
		execID, filename, fp.FSHA, blob).Scan(&fpID)
	if err == nil {
		return fpID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup fingerprint: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO fingerprints (execution_id, filename, fsha, mtime, checksums) VALUES (?, ?, ?, ?, ?)",
		execID, filename, fp.FSHA, fp.MTime, blob)
	if err != nil {
		return 0, fmt.Errorf("insert fingerprint: %w", err)
	}
	return res.LastInsertId()
}

// DeleteTestExecutions removes the named tests and their dependency rows.
// Fingerprint rows left without any referencing test are pruned at
// FinishExecution, not here.
func (d *DB) DeleteTestExecutions(ctx context.Context, execID int64, testNames []string) error {
	if len(testNames) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete test executions: begin: %w", err)
	}
	defer tx.Rollback()

	placeholders := placeholderList(len(testNames))
	args := append([]any{execID}, stringsToArgs(testNames)...)

	for _, q := range []string{
		`DELETE FROM test_execution_fingerprints WHERE test_execution_id IN
		   (SELECT id FROM test_executions WHERE execution_id = ? AND test_name IN (` + placeholders + `))`,
		`DELETE FROM file_deps WHERE test_execution_id IN
		   (SELECT id FROM test_executions WHERE execution_id = ? AND test_name IN (` + placeholders + `))`,
		`DELETE FROM package_deps WHERE test_execution_id IN
		   (SELECT id FROM test_executions WHERE execution_id = ? AND test_name IN (` + placeholders + `))`,
		`DELETE FROM test_executions WHERE execution_id = ? AND test_name IN (` + placeholders + `)`,
	} {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete test executions: %w", err)
		}
	}

	return tx.Commit()
}

// AllTestExecutions returns every recorded test for the execution, keyed by
// test name.
func (d *DB) AllTestExecutions(ctx context.Context, execID int64) (map[string]TestExecution, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT test_name, duration_ms, failed, forced FROM test_executions WHERE execution_id = ?", execID)
	if err != nil {
		return nil, fmt.Errorf("all test executions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TestExecution)
	for rows.Next() {
		var te TestExecution
		var durationMS int64
		if err := rows.Scan(&te.Name, &durationMS, &te.Failed, &te.Forced); err != nil {
			return nil, fmt.Errorf("all test executions: scan: %w", err)
		}
		te.Duration = time.Duration(durationMS) * time.Millisecond
		out[te.Name] = te
	}
	return out, rows.Err()
}

// Filenames returns every source filename the execution has fingerprints for.
func (d *DB) Filenames(ctx context.Context, execID int64) ([]string, error) {
	names, err := scanStrings(ctx, d.db,
		"SELECT DISTINCT filename FROM fingerprints WHERE execution_id = ? ORDER BY filename", execID)
	if err != nil {
		return nil, fmt.Errorf("filenames: %w", err)
	}
	return names, nil
}

// FilenamesFingerprints returns every fingerprint row for the execution,
// for reporting and diagnostics.
func (d *DB) FilenamesFingerprints(ctx context.Context, execID int64) ([]FileFingerprint, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, filename, fsha, mtime, checksums FROM fingerprints WHERE execution_id = ? ORDER BY filename, id", execID)
	if err != nil {
		return nil, fmt.Errorf("filenames fingerprints: %w", err)
	}
	defer rows.Close()

	var out []FileFingerprint
	for rows.Next() {
		var fp FileFingerprint
		var blob []byte
		if err := rows.Scan(&fp.ID, &fp.Filename, &fp.FSHA, &fp.MTime, &blob); err != nil {
			return nil, fmt.Errorf("filenames fingerprints: scan: %w", err)
		}
		sums, err := fingerprint.DecodeChecksums(blob)
		if err != nil {
			return nil, fmt.Errorf("filenames fingerprints: %s: %w", fp.Filename, err)
		}
		fp.Checksums = sums
		out = append(out, fp)
	}
	return out, rows.Err()
}
