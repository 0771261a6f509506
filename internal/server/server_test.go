package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/sift/internal/remote"
	"github.com/jward/sift/internal/store"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *Registry) {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	reg := NewRegistry(cfg.DataDir)
	t.Cleanup(func() { reg.Close() })

	srv := httptest.NewServer(NewRouter(reg, cfg))
	t.Cleanup(srv.Close)
	return srv, reg
}

func initiate(t *testing.T, c *remote.Client) *store.ExecutionState {
	t.Helper()
	state, err := c.InitiateExecution(context.Background(), store.InitiateRequest{
		Repo:        "acme",
		Job:         "unit",
		Environment: "default",
		Packages:    "numpy==1.0\nrequests==2.0",
	})
	require.NoError(t, err)
	return state
}

func TestServer_ExecutionRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c, err := remote.NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	state := initiate(t, c)
	assert.Empty(t, state.KnownFiles)

	records := map[string]store.TestRecord{
		"test_calc": {
			Duration: 120 * time.Millisecond,
			Fingerprints: map[string]store.Filefp{
				"app/calc.py": {FSHA: "aaa", Checksums: []int32{1, 2, 3}},
			},
			PackageDeps: []string{"numpy"},
		},
		"test_util": {
			Duration: 40 * time.Millisecond,
			Failed:   true,
			Fingerprints: map[string]store.Filefp{
				"app/util.py": {FSHA: "bbb", Checksums: []int32{9}},
			},
		},
	}
	require.NoError(t, c.InsertTestFingerprints(ctx, state.ExecutionID, records))

	tests, err := c.AllTestExecutions(ctx, state.ExecutionID)
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.True(t, tests["test_util"].Failed)

	names, err := c.Filenames(ctx, state.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/calc.py", "app/util.py"}, names)

	// A changed block in calc affects only test_calc; test_util stays
	// failing from the recorded outcome.
	det, err := c.DetermineTests(ctx, state.ExecutionID,
		map[string][]int32{"app/calc.py": {1, 2, 99}, "app/util.py": {9}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"test_calc"}, det.Affected)
	assert.Equal(t, []string{"test_util"}, det.Failing)

	require.NoError(t, c.WriteAttribute(ctx, state.ExecutionID, "notice", "hello"))
	value, err := c.FetchAttribute(ctx, state.ExecutionID, "notice")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	require.NoError(t, c.FinishExecution(ctx, state.ExecutionID, store.FinishStats{
		Duration:     time.Second,
		Selected:     true,
		SkippedTests: 3,
		SkippedTime:  300 * time.Millisecond,
	}))
}

func TestServer_BaselineInheritanceAcrossRuns(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c, err := remote.NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first := initiate(t, c)
	require.NoError(t, c.InsertTestFingerprints(ctx, first.ExecutionID, map[string]store.TestRecord{
		"test_calc": {
			Fingerprints: map[string]store.Filefp{
				"app/calc.py": {FSHA: "aaa", Checksums: []int32{1, 2}},
			},
		},
	}))
	require.NoError(t, c.FinishExecution(ctx, first.ExecutionID, store.FinishStats{Selected: true}))

	second := initiate(t, c)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, []string{"app/calc.py"}, second.KnownFiles)

	unknown, err := c.FetchUnknownFiles(ctx, second.ExecutionID, map[string]string{
		"app/calc.py": "aaa",
		"app/new.py":  "ccc",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"app/new.py"}, unknown)
}

func TestServer_UnknownExecutionAfterRestart(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newTestServer(t, Config{DataDir: dir})
	c, err := remote.NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	state := initiate(t, c)

	// A fresh registry simulates a server restart: routes are memory
	// only, so the old id must surface as unknown.
	srv2, _ := newTestServer(t, Config{DataDir: t.TempDir()})
	c2, err := remote.NewClient(srv2.URL)
	require.NoError(t, err)
	defer c2.Close()

	_, err = c2.AllTestExecutions(context.Background(), state.ExecutionID)
	require.ErrorIs(t, err, store.ErrUnknownExecution)
}

func TestServer_RejectsBadNames(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c, err := remote.NewClient(srv.URL, remote.WithRetries(1))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.InitiateExecution(context.Background(), store.InitiateRequest{
		Repo:        "../escape",
		Job:         "unit",
		Environment: "default",
	})
	require.Error(t, err)

	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusBadRequest, remoteErr.Status)
}

func TestServer_AuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, Config{AuthToken: "s3cret"})

	// Health stays open for probes.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bare, err := remote.NewClient(srv.URL, remote.WithRetries(1))
	require.NoError(t, err)
	defer bare.Close()
	_, err = bare.InitiateExecution(context.Background(), store.InitiateRequest{
		Repo: "acme", Job: "unit", Environment: "default",
	})
	require.Error(t, err)

	authed, err := remote.NewClient(srv.URL, remote.WithAuthToken("s3cret"))
	require.NoError(t, err)
	defer authed.Close()
	_, err = authed.InitiateExecution(context.Background(), store.InitiateRequest{
		Repo: "acme", Job: "unit", Environment: "default",
	})
	require.NoError(t, err)
}

func TestServer_CompressedInsert(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c, err := remote.NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	state := initiate(t, c)

	// Enough checksums to cross the client's compression threshold.
	checksums := make([]int32, 8192)
	for i := range checksums {
		checksums[i] = int32(i * 31)
	}
	require.NoError(t, c.InsertTestFingerprints(ctx, state.ExecutionID, map[string]store.TestRecord{
		"test_big": {
			Fingerprints: map[string]store.Filefp{
				"app/big.py": {FSHA: "fff", Checksums: checksums},
			},
		},
	}))

	fps, err := c.FilenamesFingerprints(ctx, state.ExecutionID)
	require.NoError(t, err)
	require.Len(t, fps, 1)
	assert.Equal(t, checksums, fps[0].Checksums)
}

func TestRegistry_SharesHandles(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	defer reg.Close()

	a, err := reg.Get("acme", "unit")
	require.NoError(t, err)
	b, err := reg.Get("acme", "unit")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := reg.Get("acme", "integration")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}

func TestRegistry_RouteResolveDrop(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	defer reg.Close()

	h, err := reg.Get("acme", "unit")
	require.NoError(t, err)

	id := reg.Route(h, 7)
	got, localID, ok := reg.Resolve(id)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, int64(7), localID)

	reg.Drop(id)
	_, _, ok = reg.Resolve(id)
	assert.False(t, ok)
}
