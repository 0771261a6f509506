// Package sift provides content-addressed incremental test selection: it
// records which checksummed code blocks every test executes, then on later
// runs selects only the tests whose recorded blocks actually changed.
//
// # Pipeline
//
// A selection run moves through six phases in order:
//
//  1. Init: open or resume the execution for this (repo, job, environment)
//     and hash every file the store already knows with BLAKE3.
//  2. Diff: ask the store which known files changed; unchanged files need
//     no further work.
//  3. Determine: parse each changed file into blocks with tree-sitter and
//     ask the store which tests lost a block they depend on.
//  4. Partition: split the suite into unstable tests that must run and
//     stable tests that are provably unaffected. Previously failing tests
//     are always selected.
//  5. Reconcile: after the external harness reports what it actually
//     collected, insert newly appeared tests and delete vanished ones.
//  6. Close: persist savings stats and checkpoint the store.
//
// # Usage
//
// Create an Engine, run the phases, and hand the plan to the harness:
//
//	e, err := sift.Open(root, cfg)
//	if err != nil { ... }
//	defer e.Close(ctx)
//
//	err = e.Init(ctx)
//	err = e.Diff(ctx)
//	_, err = e.Determine(ctx)
//	plan, err := e.Partition(ctx)
//	// run plan.Selected(), then:
//	err = e.Reconcile(ctx, discovered)
//
// # Recording
//
// While selected tests run, a [Recorder] batches them into shared coverage
// windows and converts each test's covered lines into block fingerprints.
// The harness supplies line coverage through the [CoverageProvider]
// interface and reports file reads and imports through the
// [capture.Observer] hooks returned by [Recorder.Observer].
//
// # Stores
//
// The engine speaks to a fingerprint store through the [Backend] contract.
// The embedded store is a local SQLite database; the network store is the
// same semantics behind an HTTP API served by sift serve, shared by many
// CI workers. When the remote store is unreachable the engine falls back
// to the embedded store for the rest of the session.
//
// # Reporting
//
// The [QueryBuilder] returned by [Engine.Query] answers questions about
// the recorded dependency map:
//
//   - [QueryBuilder.Summary] — per-environment totals and savings.
//   - [QueryBuilder.TestsForFile] — which tests depend on a file.
//   - [QueryBuilder.DependencyDetail] — everything one test depends on.
//   - [QueryBuilder.CoDependencyGraph] — file pairs tests touch together.
package sift
