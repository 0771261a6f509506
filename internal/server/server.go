package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/jward/sift/internal/remote"
	"github.com/jward/sift/internal/report"
	"github.com/jward/sift/internal/store"
)

// Version is stamped at build time.
var Version = "dev"

// Config configures the HTTP server.
type Config struct {
	DataDir   string
	AuthToken string // empty disables auth
	Logger    *slog.Logger
}

// Handler serves the fingerprint store API.
type Handler struct {
	reg    *Registry
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates an API handler over the registry.
func NewHandler(reg *Registry, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, cfg: cfg, logger: logger}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(reg *Registry, cfg Config) http.Handler {
	h := NewHandler(reg, cfg)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("POST /v1/executions", h.Initiate)
	mux.HandleFunc("POST /v1/executions/{id}/unknown-files", h.UnknownFiles)
	mux.HandleFunc("POST /v1/executions/{id}/determine", h.Determine)
	mux.HandleFunc("POST /v1/executions/{id}/tests", h.InsertTests)
	mux.HandleFunc("GET /v1/executions/{id}/tests", h.AllTests)
	mux.HandleFunc("POST /v1/executions/{id}/tests/delete", h.DeleteTests)
	mux.HandleFunc("GET /v1/executions/{id}/filenames", h.Filenames)
	mux.HandleFunc("GET /v1/executions/{id}/fingerprints", h.Fingerprints)
	mux.HandleFunc("PUT /v1/executions/{id}/attributes/{key}", h.PutAttribute)
	mux.HandleFunc("GET /v1/executions/{id}/attributes/{key}", h.GetAttribute)
	mux.HandleFunc("GET /v1/executions/{id}/stats", h.Stats)
	mux.HandleFunc("POST /v1/executions/{id}/finish", h.Finish)

	// Read-only reporting over stored executions.
	mux.HandleFunc("GET /v1/report/{repo}/{job}/summary", h.ReportSummary)
	mux.HandleFunc("GET /v1/report/{repo}/{job}/files/{filename...}", h.ReportFile)
	mux.HandleFunc("GET /v1/report/{repo}/{job}/tests/{name...}", h.ReportTest)
	mux.HandleFunc("GET /v1/report/{repo}/{job}/codependency", h.ReportCoDependency)

	return withLogging(h.logger, withAuth(cfg.AuthToken, withDecompress(mux)))
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withLogging logs every request with a correlation id. Health probes
// are exempt to keep the log readable.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"id", uuid.NewString(),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond))
	})
}

// withDecompress transparently inflates zstd-compressed request bodies.
func withDecompress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "zstd" {
			dec, err := zstd.NewReader(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid zstd body", err)
				return
			}
			defer dec.Close()
			r.Body = dec.IOReadCloser()
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth requires a matching bearer token when one is configured.
// Health stays open so load balancers can probe.
func withAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.HealthResponse{Status: "ok", Version: Version})
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req store.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Repo == "" || req.Job == "" || req.Environment == "" {
		writeError(w, http.StatusBadRequest, "repo, job and environment required", nil)
		return
	}

	handle, err := h.reg.Get(req.Repo, req.Job)
	if err != nil {
		if errors.Is(err, ErrBadName) {
			writeError(w, http.StatusBadRequest, "invalid repo or job name", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open store", err)
		return
	}

	state, err := handle.DB.InitiateExecution(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to initiate execution", err)
		return
	}

	// Addressing for all further operations uses the server-wide id.
	state.ExecutionID = h.reg.Route(handle, state.ExecutionID)
	h.logger.Info("execution initiated",
		"repo", req.Repo, "job", req.Job, "environment", req.Environment,
		"execution", state.ExecutionID)
	writeJSON(w, http.StatusOK, state)
}

// resolve maps the {id} path value to the backing store, or writes a
// 404 and returns false.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*Handle, int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id", err)
		return nil, 0, false
	}
	handle, localID, ok := h.reg.Resolve(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown execution", nil)
		return nil, 0, false
	}
	return handle, localID, true
}

func (h *Handler) UnknownFiles(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.UnknownFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	unknown, err := handle.DB.FetchUnknownFiles(r.Context(), execID, req.Hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch unknown files", err)
		return
	}
	writeJSON(w, http.StatusOK, remote.UnknownFilesResponse{Unknown: unknown})
}

func (h *Handler) Determine(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.DetermineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	det, err := handle.DB.DetermineTests(r.Context(), execID, req.Checksums, req.FileDeps, req.ChangedPackages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to determine tests", err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

func (h *Handler) InsertTests(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := handle.DB.InsertTestFingerprints(r.Context(), execID, req.Records); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to insert test fingerprints", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) DeleteTests(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.DeleteTestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := handle.DB.DeleteTestExecutions(r.Context(), execID, req.TestNames); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete tests", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) AllTests(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	tests, err := handle.DB.AllTestExecutions(r.Context(), execID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tests", err)
		return
	}
	writeJSON(w, http.StatusOK, remote.TestExecutionsResponse{Tests: tests})
}

func (h *Handler) Filenames(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	names, err := handle.DB.Filenames(r.Context(), execID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list filenames", err)
		return
	}
	writeJSON(w, http.StatusOK, remote.FilenamesResponse{Filenames: names})
}

func (h *Handler) Fingerprints(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	fps, err := handle.DB.FilenamesFingerprints(r.Context(), execID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list fingerprints", err)
		return
	}
	writeJSON(w, http.StatusOK, remote.FingerprintsResponse{Fingerprints: fps})
}

func (h *Handler) PutAttribute(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.AttributeValue
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := handle.DB.WriteAttribute(r.Context(), execID, r.PathValue("key"), req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write attribute", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) GetAttribute(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	value, err := handle.DB.FetchAttribute(r.Context(), execID, r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch attribute", err)
		return
	}
	writeJSON(w, http.StatusOK, remote.AttributeValue{Value: value})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	stats, err := handle.DB.FetchSavingStats(r.Context(), execID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	handle, execID, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req remote.FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := handle.DB.FinishExecution(r.Context(), execID, req.ToStats()); err != nil {
		if errors.Is(err, store.ErrUnknownExecution) {
			writeError(w, http.StatusNotFound, "unknown execution", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to finish execution", err)
		return
	}

	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	h.reg.Drop(id)
	writeJSON(w, http.StatusOK, struct{}{})
}

// ----- Reporting -----

func (h *Handler) reporter(w http.ResponseWriter, r *http.Request) (*report.Reporter, bool) {
	handle, err := h.reg.Get(r.PathValue("repo"), r.PathValue("job"))
	if err != nil {
		if errors.Is(err, ErrBadName) {
			writeError(w, http.StatusBadRequest, "invalid repo or job name", nil)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to open store", err)
		return nil, false
	}
	return report.New(handle.DB), true
}

func (h *Handler) ReportSummary(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.reporter(w, r)
	if !ok {
		return
	}
	environment := r.URL.Query().Get("environment")
	summary, err := rep.Summary(r.Context(), environment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ReportFile(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.reporter(w, r)
	if !ok {
		return
	}
	environment := r.URL.Query().Get("environment")
	tests, err := rep.TestsForFile(r.Context(), environment, r.PathValue("filename"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query file", err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (h *Handler) ReportTest(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.reporter(w, r)
	if !ok {
		return
	}
	environment := r.URL.Query().Get("environment")
	detail, err := rep.DependencyDetail(r.Context(), environment, r.PathValue("name"))
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			writeError(w, http.StatusNotFound, "test not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to query test", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) ReportCoDependency(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.reporter(w, r)
	if !ok {
		return
	}
	environment := r.URL.Query().Get("environment")
	graph, err := rep.CoDependencyGraph(r.Context(), environment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build graph", err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

// ----- Helpers -----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := remote.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
