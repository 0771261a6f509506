// Package server exposes the fingerprint store over HTTP so many CI
// workers can share one set of executions.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jward/sift/internal/store"
)

// ErrBadName is returned for repo or job names that cannot become a
// filesystem path component.
var ErrBadName = errors.New("invalid repo or job name")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Handle is one open per-(repo, job) store.
type Handle struct {
	Repo     string
	Job      string
	DB       *store.DB
	lastUsed time.Time
}

type execRoute struct {
	handle  *Handle
	localID int64
}

// Registry opens one embedded store per (repo, job) on demand and
// routes execution ids to the store that created them. Routes live in
// memory only; after a restart, stale ids surface as unknown
// executions and callers fall back to a full run.
type Registry struct {
	dataDir string

	mu      sync.Mutex
	handles map[string]*Handle
	routes  map[int64]execRoute
	nextID  int64
}

// NewRegistry creates a registry rooted at dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		dataDir: dataDir,
		handles: make(map[string]*Handle),
		routes:  make(map[int64]execRoute),
		// Seed above the restart boundary so recycled ids from a
		// previous process do not silently alias new executions.
		nextID: time.Now().Unix() << 20,
	}
}

// Get returns the store for (repo, job), opening it if needed.
func (r *Registry) Get(repo, job string) (*Handle, error) {
	if !nameRe.MatchString(repo) || !nameRe.MatchString(job) {
		return nil, ErrBadName
	}

	key := repo + "/" + job

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		h.lastUsed = time.Now()
		return h, nil
	}

	dir := filepath.Join(r.dataDir, repo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repo dir: %w", err)
	}
	db, err := store.Open(filepath.Join(dir, job+".db"))
	if err != nil {
		return nil, fmt.Errorf("opening store for %s: %w", key, err)
	}

	h := &Handle{Repo: repo, Job: job, DB: db, lastUsed: time.Now()}
	r.handles[key] = h
	return h, nil
}

// Route records that localID in h's store is addressed by a fresh
// server-wide id, and returns that id.
func (r *Registry) Route(h *Handle, localID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.routes[id] = execRoute{handle: h, localID: localID}
	return id
}

// Resolve maps a server-wide execution id back to its store.
func (r *Registry) Resolve(id int64) (*Handle, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[id]
	if !ok {
		return nil, 0, false
	}
	route.handle.lastUsed = time.Now()
	return route.handle, route.localID, true
}

// Drop forgets a finished execution's route.
func (r *Registry) Drop(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, id)
}

// Close closes every open store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, h := range r.handles {
		if err := h.DB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", key, err)
		}
		delete(r.handles, key)
	}
	r.routes = make(map[int64]execRoute)
	return firstErr
}
