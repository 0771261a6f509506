package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/jward/sift/internal/fingerprint"
)

// FetchUnknownFiles returns the filenames whose supplied whole-file hash
// differs from every stored fingerprint row, or which the store has not
// recorded at all. These are the only files whose blocks must be recomputed;
// everything else is unchanged by definition of the content hash.
func (d *DB) FetchUnknownFiles(ctx context.Context, execID int64, fshas map[string]string) ([]string, error) {
	if len(fshas) == 0 {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT DISTINCT filename, fsha FROM fingerprints WHERE execution_id = ?", execID)
	if err != nil {
		return nil, fmt.Errorf("fetch unknown files: %w", err)
	}
	defer rows.Close()

	// A filename is fresh only if every stored row carries the supplied hash.
	stale := make(map[string]bool)
	seen := make(map[string]bool)
	for rows.Next() {
		var filename, fsha string
		if err := rows.Scan(&filename, &fsha); err != nil {
			return nil, fmt.Errorf("fetch unknown files: scan: %w", err)
		}
		supplied, ok := fshas[filename]
		if !ok {
			continue
		}
		seen[filename] = true
		if fsha != supplied {
			stale[filename] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch unknown files: rows: %w", err)
	}

	var unknown []string
	for filename := range fshas {
		if stale[filename] || !seen[filename] {
			unknown = append(unknown, filename)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// DetermineTests evaluates match semantics against persisted fingerprints:
// a test is affected when any checksum of any of its recorded fingerprints
// for a supplied filename is missing from that file's current checksum set,
// when a non-source file dependency's hash moved, or when it used a package
// whose manifest entry changed. Tests whose recorded dependencies all lie
// outside the supplied inputs stay stable; forced tests and tests with no
// recorded dependencies at all are always affected. Failing is the previous
// run's recorded failures.
func (d *DB) DetermineTests(ctx context.Context, execID int64, current map[string][]int32, fileDeps map[string]string, changedPackages []string) (*Determination, error) {
	affected := make(map[string]bool)

	if len(current) > 0 {
		currentSets := make(map[string]map[int32]bool, len(current))
		for filename, sums := range current {
			set := make(map[int32]bool, len(sums))
			for _, s := range sums {
				set[s] = true
			}
			currentSets[filename] = set
		}

		filenames := make([]string, 0, len(current))
		for filename := range current {
			filenames = append(filenames, filename)
		}
		query := `SELECT t.test_name, f.filename, f.checksums
		 FROM fingerprints f
		 JOIN test_execution_fingerprints j ON j.fingerprint_id = f.id
		 JOIN test_executions t ON t.id = j.test_execution_id
		 WHERE f.execution_id = ? AND f.filename IN (` + placeholderList(len(filenames)) + `)`
		args := append([]any{execID}, stringsToArgs(filenames)...)
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("determine tests: query fingerprints: %w", err)
		}
		for rows.Next() {
			var testName, filename string
			var blob []byte
			if err := rows.Scan(&testName, &filename, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("determine tests: scan: %w", err)
			}
			if affected[testName] {
				continue
			}
			stored, err := fingerprint.DecodeChecksums(blob)
			if err != nil {
				// Malformed blob: maximally unstable, never silently stable.
				affected[testName] = true
				continue
			}
			if len(stored) == 0 {
				// Recorded against a file that had no blocks at the time,
				// usually a syntax error. An empty fingerprint can never
				// prove stability against the changed file.
				affected[testName] = true
				continue
			}
			have := currentSets[filename]
			for _, s := range stored {
				if !have[s] {
					affected[testName] = true
					break
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("determine tests: rows: %w", err)
		}
		rows.Close()
	}

	if len(fileDeps) > 0 {
		paths := make([]string, 0, len(fileDeps))
		for path := range fileDeps {
			paths = append(paths, path)
		}
		query := `SELECT t.test_name, d.path, d.sha
		 FROM file_deps d
		 JOIN test_executions t ON t.id = d.test_execution_id
		 WHERE t.execution_id = ? AND d.path IN (` + placeholderList(len(paths)) + `)`
		args := append([]any{execID}, stringsToArgs(paths)...)
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("determine tests: query file deps: %w", err)
		}
		for rows.Next() {
			var testName, path, sha string
			if err := rows.Scan(&testName, &path, &sha); err != nil {
				rows.Close()
				return nil, fmt.Errorf("determine tests: scan file dep: %w", err)
			}
			if sha != fileDeps[path] {
				affected[testName] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("determine tests: file dep rows: %w", err)
		}
		rows.Close()
	}

	if len(changedPackages) > 0 {
		query := `SELECT DISTINCT t.test_name
		 FROM package_deps d
		 JOIN test_executions t ON t.id = d.test_execution_id
		 WHERE t.execution_id = ? AND d.package IN (` + placeholderList(len(changedPackages)) + `)`
		args := append([]any{execID}, stringsToArgs(changedPackages)...)
		names, err := scanStrings(ctx, d.db, query, args...)
		if err != nil {
			return nil, fmt.Errorf("determine tests: query package deps: %w", err)
		}
		for _, name := range names {
			affected[name] = true
		}
	}

	// Forced tests (reconcile placeholders, explicit re-run requests) and
	// tests with no recorded dependencies at all have nothing the match
	// semantics could hold them stable against. They run every time until a
	// real recording replaces them.
	forced, err := scanStrings(ctx, d.db,
		`SELECT test_name FROM test_executions t
		 WHERE t.execution_id = ?
		   AND (t.forced
		        OR (NOT EXISTS (SELECT 1 FROM test_execution_fingerprints j WHERE j.test_execution_id = t.id)
		            AND NOT EXISTS (SELECT 1 FROM file_deps d WHERE d.test_execution_id = t.id)
		            AND NOT EXISTS (SELECT 1 FROM package_deps p WHERE p.test_execution_id = t.id)))`, execID)
	if err != nil {
		return nil, fmt.Errorf("determine tests: query forced: %w", err)
	}
	for _, name := range forced {
		affected[name] = true
	}

	failing, err := scanStrings(ctx, d.db,
		"SELECT test_name FROM test_executions WHERE execution_id = ? AND failed ORDER BY test_name", execID)
	if err != nil {
		return nil, fmt.Errorf("determine tests: query failures: %w", err)
	}

	det := &Determination{Failing: failing}
	for name := range affected {
		det.Affected = append(det.Affected, name)
	}
	sort.Strings(det.Affected)
	return det, nil
}
