package sift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/sift/internal/cache"
	"github.com/jward/sift/internal/capture"
	"github.com/jward/sift/internal/config"
	"github.com/jward/sift/internal/fingerprint"
	"github.com/jward/sift/internal/remote"
	"github.com/jward/sift/internal/report"
	"github.com/jward/sift/internal/store"
	"github.com/jward/sift/internal/vcs"
)

// Phase names the engine's position in a run. Phases advance strictly in
// order; tests execute externally between Partition and Reconcile.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseInit      Phase = "init"
	PhaseDiff      Phase = "diff"
	PhaseDetermine Phase = "determine"
	PhasePartition Phase = "partition"
	PhaseReconcile Phase = "reconcile"
	PhaseClosed    Phase = "closed"
)

// Plan partitions the known tests and files for one run.
type Plan struct {
	UnstableTests []string `json:"unstableTests"` // fingerprint miss, must re-run
	StableTests   []string `json:"stableTests"`   // provably unchanged dependencies
	FailingTests  []string `json:"failingTests"`  // failed last run, never skipped even if stable
	UnstableFiles []string `json:"unstableFiles"` // home files of unstable tests
	StableFiles   []string `json:"stableFiles"`
}

// Selected returns the tests to execute this run: every unstable test
// plus every previously failing one.
func (p *Plan) Selected() []string {
	seen := make(map[string]bool, len(p.UnstableTests)+len(p.FailingTests))
	for _, t := range p.UnstableTests {
		seen[t] = true
	}
	for _, t := range p.FailingTests {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Engine orchestrates one selection run against a fingerprint store:
// hash known files, narrow to changed ones, compute block checksums,
// ask the store which tests are affected, and partition the suite.
type Engine struct {
	root     string
	cfg      *config.Config
	embedded *store.DB
	client   *remote.Client
	backend  store.Backend
	logger   *slog.Logger

	coordinator    bool
	packages       string
	runtimeVersion string
	blockCache     *cache.LRU[string, []fingerprint.Block]

	phase         Phase
	started       time.Time
	initReq       store.InitiateRequest
	state         *store.ExecutionState
	fshas         map[string]string
	fileDeps      map[string]string
	candidates    []string
	determination *store.Determination
	knownTests    map[string]store.TestExecution
	plan          *Plan
}

// Option configures an Engine.
type Option func(*Engine)

// WithCoordinator marks this process as the run's coordinator. Only the
// coordinator deletes vanished tests during reconciliation; workers
// insert and update but never delete rows another worker may own.
func WithCoordinator(coordinator bool) Option {
	return func(e *Engine) { e.coordinator = coordinator }
}

// WithPackages supplies the installed-package manifest, one
// "name==version" per line.
func WithPackages(manifest string) Option {
	return func(e *Engine) { e.packages = manifest }
}

// WithRuntimeVersion records the interpreter version on the execution.
func WithRuntimeVersion(version string) Option {
	return func(e *Engine) { e.runtimeVersion = version }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBlockCacheSize bounds the parsed-block cache. The cache is keyed
// by (filename, fsha) and evicts least recently used entries.
func WithBlockCacheSize(n int) Option {
	return func(e *Engine) { e.blockCache = cache.New[string, []fingerprint.Block](n) }
}

// Open creates an Engine for the project at root. When the config names
// a remote store it becomes the backend; if it is unreachable at open
// time the embedded store serves the whole session.
func Open(root string, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		root:        root,
		cfg:         cfg,
		coordinator: true,
		logger:      slog.Default(),
		blockCache:  cache.New[string, []fingerprint.Block](1024),
	}
	for _, opt := range opts {
		opt(e)
	}

	dbPath := cfg.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	embedded, err := store.Open(dbPath, store.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("opening embedded store: %w", err)
	}
	e.embedded = embedded
	e.backend = embedded

	if cfg.Remote.URL != "" {
		var clientOpts []remote.Option
		if cfg.Remote.Token != "" {
			clientOpts = append(clientOpts, remote.WithAuthToken(cfg.Remote.Token))
		}
		if cfg.Remote.Timeout > 0 {
			clientOpts = append(clientOpts, remote.WithTimeout(cfg.Remote.Timeout))
		}
		if cfg.Remote.Retries > 0 {
			clientOpts = append(clientOpts, remote.WithRetries(cfg.Remote.Retries))
		}
		clientOpts = append(clientOpts, remote.WithLogger(e.logger))

		client, err := remote.NewClient(cfg.Remote.URL, clientOpts...)
		if err != nil {
			embedded.Close()
			return nil, fmt.Errorf("creating remote client: %w", err)
		}

		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Health(probeCtx); err != nil {
			e.logger.Warn("remote store unreachable, using embedded store", "url", cfg.Remote.URL, "error", err)
			client.Close()
		} else {
			e.client = client
			e.backend = client
		}
	}
	return e, nil
}

// Backend returns the active store backend.
func (e *Engine) Backend() store.Backend {
	return e.backend
}

// ExecutionID returns the current execution id. Valid after Init.
func (e *Engine) ExecutionID() int64 {
	if e.state == nil {
		return 0
	}
	return e.state.ExecutionID
}

// Plan returns the partition computed by Partition.
func (e *Engine) Plan() *Plan {
	return e.plan
}

func (e *Engine) advance(from, to Phase) error {
	if e.phase != from {
		return fmt.Errorf("phase %s must follow %s, engine is at %s", to, from, orNone(e.phase))
	}
	e.phase = to
	return nil
}

func orNone(p Phase) string {
	if p == PhaseNone {
		return "open"
	}
	return string(p)
}

// degrade switches to the embedded store after a persistent remote
// failure and re-initiates the execution there. The fallback is sticky
// for the rest of the session. Returns false if the error is not a
// remote failure or the engine already degraded.
func (e *Engine) degrade(ctx context.Context, err error) bool {
	var remoteErr *remote.Error
	if e.client == nil || e.backend != store.Backend(e.client) || !errors.As(err, &remoteErr) {
		return false
	}
	e.logger.Warn("remote store failed, falling back to embedded store for this session", "error", err)
	e.backend = e.embedded

	if e.state == nil {
		return true
	}
	state, ierr := e.embedded.InitiateExecution(ctx, e.initReq)
	if ierr != nil {
		e.logger.Error("embedded fallback initiation failed", "error", ierr)
		return false
	}
	e.state = state
	return true
}

// Init opens or resumes the execution and hashes every file the store
// already knows about.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.advance(PhaseNone, PhaseInit); err != nil {
		return err
	}
	e.started = time.Now()

	revision, err := vcs.Revision(e.root)
	if err != nil {
		e.logger.Warn("could not read vcs revision", "error", err)
	}
	e.initReq = store.InitiateRequest{
		Repo:           e.cfg.Repo,
		Job:            e.cfg.Job,
		Environment:    e.cfg.Environment,
		Packages:       e.packages,
		RuntimeVersion: e.runtimeVersion,
	}
	if revision != "" {
		e.initReq.Meta = map[string]string{"vcs_revision": revision}
	}

	state, err := e.backend.InitiateExecution(ctx, e.initReq)
	if err != nil && e.degrade(ctx, err) {
		state, err = e.backend.InitiateExecution(ctx, e.initReq)
	}
	if err != nil {
		return fmt.Errorf("initiate execution: %w", err)
	}
	e.state = state
	if state.PackagesChanged {
		e.logger.Info("package manifest changed", "packages", state.ChangedPackages)
	}

	e.fshas = make(map[string]string, len(state.KnownFiles))
	e.fileDeps = make(map[string]string, len(state.FileDepPaths))
	if err := e.hashKnownFiles(ctx); err != nil {
		return err
	}
	return nil
}

// hashKnownFiles computes current content hashes for every known source
// file and raw file dependency, in parallel. A missing file hashes to ""
// so the store reports it as unknown.
func (e *Engine) hashKnownFiles(ctx context.Context) error {
	type hashed struct {
		key, hash string
		dep       bool
	}
	resultCh := make(chan hashed, len(e.state.KnownFiles)+len(e.state.FileDepPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	hashOne := func(key, rel string, dep bool) {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			hash, err := fingerprint.HashFile(filepath.Join(e.root, filepath.FromSlash(rel)))
			if err != nil {
				hash = "" // deleted files surface as unknown
			}
			resultCh <- hashed{key: key, hash: hash, dep: dep}
			return nil
		})
	}

	for _, filename := range e.state.KnownFiles {
		hashOne(filename, filename, false)
	}
	for _, key := range e.state.FileDepPaths {
		hashOne(key, strings.TrimPrefix(key, capture.FileDepPrefix), true)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("hashing known files: %w", err)
	}
	close(resultCh)
	for h := range resultCh {
		if h.dep {
			e.fileDeps[h.key] = h.hash
		} else {
			e.fshas[h.key] = h.hash
		}
	}
	return nil
}

// Diff asks the store which known files changed; only those need block
// recomputation.
func (e *Engine) Diff(ctx context.Context) error {
	if err := e.advance(PhaseInit, PhaseDiff); err != nil {
		return err
	}
	unknown, err := e.backend.FetchUnknownFiles(ctx, e.state.ExecutionID, e.fshas)
	if err != nil && e.degrade(ctx, err) {
		unknown, err = e.backend.FetchUnknownFiles(ctx, e.state.ExecutionID, e.fshas)
	}
	if err != nil {
		return fmt.Errorf("fetch unknown files: %w", err)
	}
	e.candidates = unknown
	e.logger.Debug("diffed known files", "known", len(e.fshas), "changed", len(unknown))
	return nil
}

// Determine parses every changed file into block checksums and asks the
// store which tests those changes affect.
func (e *Engine) Determine(ctx context.Context) (*store.Determination, error) {
	if err := e.advance(PhaseDiff, PhaseDetermine); err != nil {
		return nil, err
	}

	current := e.parseCandidates()

	det, err := e.backend.DetermineTests(ctx, e.state.ExecutionID, current, e.fileDeps, e.state.ChangedPackages)
	if err != nil && e.degrade(ctx, err) {
		det, err = e.backend.DetermineTests(ctx, e.state.ExecutionID, current, e.fileDeps, e.state.ChangedPackages)
	}
	if err != nil {
		return nil, fmt.Errorf("determine tests: %w", err)
	}
	e.determination = det
	return det, nil
}

// Partition splits all known tests and files into stable and unstable
// sets. Failing tests are tracked separately: a previously failing test
// re-runs until it passes regardless of fingerprint match.
func (e *Engine) Partition(ctx context.Context) (*Plan, error) {
	if err := e.advance(PhaseDetermine, PhasePartition); err != nil {
		return nil, err
	}

	tests, err := e.backend.AllTestExecutions(ctx, e.state.ExecutionID)
	if err != nil && e.degrade(ctx, err) {
		tests, err = e.backend.AllTestExecutions(ctx, e.state.ExecutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("list test executions: %w", err)
	}
	e.knownTests = tests

	unstable := make(map[string]bool, len(e.determination.Affected))
	for _, t := range e.determination.Affected {
		unstable[t] = true
	}
	unstableFiles := make(map[string]bool)
	for t := range unstable {
		unstableFiles[homeFile(t)] = true
	}

	plan := &Plan{
		UnstableTests: append([]string(nil), e.determination.Affected...),
		FailingTests:  append([]string(nil), e.determination.Failing...),
	}
	for name := range tests {
		if !unstable[name] {
			plan.StableTests = append(plan.StableTests, name)
		}
	}
	for filename := range e.fshas {
		if unstableFiles[filename] {
			plan.UnstableFiles = append(plan.UnstableFiles, filename)
		} else {
			plan.StableFiles = append(plan.StableFiles, filename)
		}
	}
	sort.Strings(plan.UnstableTests)
	sort.Strings(plan.StableTests)
	sort.Strings(plan.FailingTests)
	sort.Strings(plan.UnstableFiles)
	sort.Strings(plan.StableFiles)

	e.plan = plan
	e.logger.Info("partitioned test suite",
		"unstable", len(plan.UnstableTests),
		"stable", len(plan.StableTests),
		"failing", len(plan.FailingTests))
	return plan, nil
}

// homeFile extracts the test's owning file from a hierarchical test id
// such as "app/test_calc.py::TestCalc::test_add".
func homeFile(testID string) string {
	if i := strings.Index(testID, "::"); i >= 0 {
		return testID[:i]
	}
	return testID
}

// Reconcile aligns the store's known test set with what collection
// actually discovered this run. Newly discovered tests are inserted as
// forced placeholders so they are tracked from the next run on; vanished
// tests are deleted, but only by the coordinator, since another worker
// may own them.
func (e *Engine) Reconcile(ctx context.Context, discovered []string) error {
	if err := e.advance(PhasePartition, PhaseReconcile); err != nil {
		return err
	}

	// Re-fetch rather than reuse the Partition snapshot: tests recorded
	// during this run are already known and must not become placeholders.
	known, err := e.backend.AllTestExecutions(ctx, e.state.ExecutionID)
	if err != nil && e.degrade(ctx, err) {
		known, err = e.backend.AllTestExecutions(ctx, e.state.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("list test executions: %w", err)
	}

	discoveredSet := make(map[string]bool, len(discovered))
	placeholders := make(map[string]store.TestRecord)
	for _, name := range discovered {
		discoveredSet[name] = true
		if _, ok := known[name]; !ok {
			placeholders[name] = store.TestRecord{Forced: true}
		}
	}
	if len(placeholders) > 0 {
		err := e.backend.InsertTestFingerprints(ctx, e.state.ExecutionID, placeholders)
		if err != nil && e.degrade(ctx, err) {
			err = e.backend.InsertTestFingerprints(ctx, e.state.ExecutionID, placeholders)
		}
		if err != nil {
			return fmt.Errorf("insert placeholder tests: %w", err)
		}
		e.logger.Debug("inserted placeholder tests", "count", len(placeholders))
	}

	var vanished []string
	for name := range known {
		if !discoveredSet[name] {
			vanished = append(vanished, name)
		}
	}
	if len(vanished) == 0 {
		return nil
	}
	if !e.coordinator {
		e.logger.Debug("worker skipping deletion of vanished tests", "count", len(vanished))
		return nil
	}
	sort.Strings(vanished)
	err = e.backend.DeleteTestExecutions(ctx, e.state.ExecutionID, vanished)
	if err != nil && e.degrade(ctx, err) {
		err = e.backend.DeleteTestExecutions(ctx, e.state.ExecutionID, vanished)
	}
	if err != nil {
		return fmt.Errorf("delete vanished tests: %w", err)
	}
	e.logger.Info("reconciled vanished tests", "deleted", len(vanished))
	return nil
}

// Close finalizes the execution with its savings stats and releases the
// stores. The embedded store checkpoints its write-ahead log; the remote
// store's durability is the server's responsibility.
func (e *Engine) Close(ctx context.Context) error {
	if e.phase == PhaseClosed {
		return nil
	}

	var finishErr error
	if e.state != nil && e.plan != nil && (e.phase == PhasePartition || e.phase == PhaseReconcile) {
		stats := store.FinishStats{
			Duration: time.Since(e.started),
			Selected: true,
		}
		failing := make(map[string]bool, len(e.plan.FailingTests))
		for _, t := range e.plan.FailingTests {
			failing[t] = true
		}
		for _, name := range e.plan.StableTests {
			if failing[name] {
				continue
			}
			stats.SkippedTests++
			stats.SkippedTime += e.knownTests[name].Duration
		}

		err := e.backend.FinishExecution(ctx, e.state.ExecutionID, stats)
		if err != nil && e.degrade(ctx, err) {
			err = e.backend.FinishExecution(ctx, e.state.ExecutionID, stats)
		}
		if err != nil {
			finishErr = fmt.Errorf("finish execution: %w", err)
		}
	}
	e.phase = PhaseClosed

	if e.client != nil {
		e.client.Close()
	}
	if err := e.embedded.Close(); err != nil && finishErr == nil {
		finishErr = fmt.Errorf("closing embedded store: %w", err)
	}
	return finishErr
}

// SavingStats returns run and lifetime savings for the execution.
func (e *Engine) SavingStats(ctx context.Context) (*store.SavingStats, error) {
	if e.state == nil {
		return nil, fmt.Errorf("saving stats: no execution, call Init first")
	}
	stats, err := e.backend.FetchSavingStats(ctx, e.state.ExecutionID)
	if err != nil && e.degrade(ctx, err) {
		stats, err = e.backend.FetchSavingStats(ctx, e.state.ExecutionID)
	}
	return stats, err
}

// NewRecorder creates a Recorder wired to the engine's backend and
// execution, scanning the project for its import graph. Valid after
// Init.
func (e *Engine) NewRecorder(cov CoverageProvider, opts ...RecorderOption) (*Recorder, error) {
	if e.state == nil {
		return nil, fmt.Errorf("new recorder: no execution, call Init first")
	}
	resolver, err := capture.ScanProject(e.root)
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	base := []RecorderOption{
		WithBatchSize(e.cfg.BatchSize),
		WithFileFilter(e.cfg.Matches),
		WithRecorderLogger(e.logger),
	}
	return NewRecorder(e.backend, e.state.ExecutionID, cov, resolver, append(base, opts...)...), nil
}

// Query returns a QueryBuilder over the embedded store. Remote-backed
// sessions query the server's reporting endpoints instead.
func (e *Engine) Query() *QueryBuilder {
	return report.New(e.embedded)
}
