// Package store persists executions, file fingerprints, tests, and their
// dependency associations. The embedded SQLite implementation here and the
// network client in internal/remote share the Backend contract.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the embedded SQLite fingerprint store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for non-fatal store warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open opens a SQLite fingerprint store at dbPath with WAL mode enabled and
// applies the schema. Idempotent on an existing database.
func Open(dbPath string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	d := &DB{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close checkpoints the write-ahead log and closes the connection. The
// checkpoint guarantees durability before process exit.
func (d *DB) Close() error {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		d.logger.Warn("wal checkpoint failed", "error", err)
	}
	return d.db.Close()
}

// SQL returns the underlying *sql.DB for reporting queries.
func (d *DB) SQL() *sql.DB {
	return d.db
}

var _ Backend = (*DB)(nil)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS executions (
  id              INTEGER PRIMARY KEY,
  repo            TEXT NOT NULL,
  job             TEXT NOT NULL,
  environment     TEXT NOT NULL,
  packages        TEXT NOT NULL DEFAULT '',
  runtime_version TEXT NOT NULL DEFAULT '',
  vcs_revision    TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMP,
  duration_ms     INTEGER NOT NULL DEFAULT 0,
  selected        BOOLEAN NOT NULL DEFAULT FALSE,
  skipped_tests   INTEGER NOT NULL DEFAULT 0,
  skipped_ms      INTEGER NOT NULL DEFAULT 0,
  current         BOOLEAN NOT NULL DEFAULT TRUE
);

-- At most one current execution per (repo, job, environment).
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_current
  ON executions(repo, job, environment) WHERE current;

CREATE TABLE IF NOT EXISTS fingerprints (
  id           INTEGER PRIMARY KEY,
  execution_id INTEGER NOT NULL REFERENCES executions(id),
  filename     TEXT NOT NULL,
  fsha         TEXT NOT NULL,
  mtime        INTEGER NOT NULL DEFAULT 0,
  checksums    BLOB NOT NULL,
  UNIQUE(execution_id, filename, fsha, checksums)
);

CREATE TABLE IF NOT EXISTS test_executions (
  id           INTEGER PRIMARY KEY,
  execution_id INTEGER NOT NULL REFERENCES executions(id),
  test_name    TEXT NOT NULL,
  duration_ms  INTEGER NOT NULL DEFAULT 0,
  failed       BOOLEAN NOT NULL DEFAULT FALSE,
  forced       BOOLEAN NOT NULL DEFAULT FALSE,
  UNIQUE(execution_id, test_name)
);

CREATE TABLE IF NOT EXISTS test_execution_fingerprints (
  test_execution_id INTEGER NOT NULL REFERENCES test_executions(id),
  fingerprint_id    INTEGER NOT NULL REFERENCES fingerprints(id),
  UNIQUE(test_execution_id, fingerprint_id)
);

CREATE TABLE IF NOT EXISTS file_deps (
  test_execution_id INTEGER NOT NULL REFERENCES test_executions(id),
  path              TEXT NOT NULL,
  sha               TEXT NOT NULL,
  UNIQUE(test_execution_id, path)
);

CREATE TABLE IF NOT EXISTS package_deps (
  test_execution_id INTEGER NOT NULL REFERENCES test_executions(id),
  package           TEXT NOT NULL,
  UNIQUE(test_execution_id, package)
);

CREATE TABLE IF NOT EXISTS attributes (
  execution_id INTEGER NOT NULL REFERENCES executions(id),
  key          TEXT NOT NULL,
  value        TEXT NOT NULL DEFAULT '',
  UNIQUE(execution_id, key)
);

CREATE TABLE IF NOT EXISTS lifetime_stats (
  repo          TEXT NOT NULL,
  job           TEXT NOT NULL,
  environment   TEXT NOT NULL,
  skipped_tests INTEGER NOT NULL DEFAULT 0,
  skipped_ms    INTEGER NOT NULL DEFAULT 0,
  UNIQUE(repo, job, environment)
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_execution ON fingerprints(execution_id);
CREATE INDEX IF NOT EXISTS idx_fingerprints_filename ON fingerprints(execution_id, filename);
CREATE INDEX IF NOT EXISTS idx_test_executions_execution ON test_executions(execution_id);
CREATE INDEX IF NOT EXISTS idx_tef_test ON test_execution_fingerprints(test_execution_id);
CREATE INDEX IF NOT EXISTS idx_tef_fingerprint ON test_execution_fingerprints(fingerprint_id);
CREATE INDEX IF NOT EXISTS idx_file_deps_test ON file_deps(test_execution_id);
CREATE INDEX IF NOT EXISTS idx_file_deps_path ON file_deps(path);
CREATE INDEX IF NOT EXISTS idx_package_deps_test ON package_deps(test_execution_id);
CREATE INDEX IF NOT EXISTS idx_package_deps_package ON package_deps(package);
`
