// Package remote provides a fingerprint store backed by a sift server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jward/sift/internal/store"
)

const (
	// compressThreshold is the request body size above which the
	// client compresses with zstd.
	compressThreshold = 4 * 1024

	defaultTimeout = 30 * time.Second
	defaultRetries = 3
	retryBaseDelay = 100 * time.Millisecond
)

// Error wraps a failed server operation. It is returned only after
// retries are exhausted.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is a fingerprint store served over HTTP. It implements
// store.Backend; every operation is idempotent, so failed requests are
// retried with exponential backoff before giving up.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	retries    int
	logger     *slog.Logger
	encoder    *zstd.Encoder
}

var _ store.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets how many attempts each request gets.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the server at baseURL
// (e.g. http://localhost:7447).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retries:    defaultRetries,
		logger:     slog.Default(),
		encoder:    enc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health checks server liveness. It is not part of store.Backend; the
// engine uses it to decide whether to fall back to the embedded store.
func (c *Client) Health(ctx context.Context) error {
	var out HealthResponse
	return c.call(ctx, http.MethodGet, "/health", nil, &out)
}

// InitiateExecution begins a new execution on the server.
func (c *Client) InitiateExecution(ctx context.Context, req store.InitiateRequest) (*store.ExecutionState, error) {
	var out store.ExecutionState
	if err := c.call(ctx, http.MethodPost, "/v1/executions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchUnknownFiles reports which files need block recomputation.
func (c *Client) FetchUnknownFiles(ctx context.Context, execID int64, fshas map[string]string) ([]string, error) {
	var out UnknownFilesResponse
	err := c.call(ctx, http.MethodPost, c.execPath(execID, "unknown-files"), UnknownFilesRequest{Hashes: fshas}, &out)
	if err != nil {
		return nil, err
	}
	return out.Unknown, nil
}

// DetermineTests asks the server which tests the given changes affect.
func (c *Client) DetermineTests(ctx context.Context, execID int64, current map[string][]int32, fileDeps map[string]string, changedPackages []string) (*store.Determination, error) {
	req := DetermineRequest{Checksums: current, FileDeps: fileDeps, ChangedPackages: changedPackages}
	var out store.Determination
	if err := c.call(ctx, http.MethodPost, c.execPath(execID, "determine"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertTestFingerprints uploads a batch of test records.
func (c *Client) InsertTestFingerprints(ctx context.Context, execID int64, records map[string]store.TestRecord) error {
	return c.call(ctx, http.MethodPost, c.execPath(execID, "tests"), InsertRequest{Records: records}, nil)
}

// DeleteTestExecutions removes tests by name.
func (c *Client) DeleteTestExecutions(ctx context.Context, execID int64, testNames []string) error {
	return c.call(ctx, http.MethodPost, c.execPath(execID, "tests/delete"), DeleteTestsRequest{TestNames: testNames}, nil)
}

// AllTestExecutions returns every recorded test for the execution.
func (c *Client) AllTestExecutions(ctx context.Context, execID int64) (map[string]store.TestExecution, error) {
	var out TestExecutionsResponse
	if err := c.call(ctx, http.MethodGet, c.execPath(execID, "tests"), nil, &out); err != nil {
		return nil, err
	}
	return out.Tests, nil
}

// Filenames returns all source filenames known to the execution.
func (c *Client) Filenames(ctx context.Context, execID int64) ([]string, error) {
	var out FilenamesResponse
	if err := c.call(ctx, http.MethodGet, c.execPath(execID, "filenames"), nil, &out); err != nil {
		return nil, err
	}
	return out.Filenames, nil
}

// FilenamesFingerprints returns every stored fingerprint row.
func (c *Client) FilenamesFingerprints(ctx context.Context, execID int64) ([]store.FileFingerprint, error) {
	var out FingerprintsResponse
	if err := c.call(ctx, http.MethodGet, c.execPath(execID, "fingerprints"), nil, &out); err != nil {
		return nil, err
	}
	return out.Fingerprints, nil
}

// WriteAttribute stores an opaque key/value pair on the execution.
func (c *Client) WriteAttribute(ctx context.Context, execID int64, key, value string) error {
	return c.call(ctx, http.MethodPut, c.execPath(execID, "attributes/"+url.PathEscape(key)), AttributeValue{Value: value}, nil)
}

// FetchAttribute reads an attribute, returning "" when unset.
func (c *Client) FetchAttribute(ctx context.Context, execID int64, key string) (string, error) {
	var out AttributeValue
	if err := c.call(ctx, http.MethodGet, c.execPath(execID, "attributes/"+url.PathEscape(key)), nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// FetchSavingStats returns run and lifetime savings.
func (c *Client) FetchSavingStats(ctx context.Context, execID int64) (*store.SavingStats, error) {
	var out store.SavingStats
	if err := c.call(ctx, http.MethodGet, c.execPath(execID, "stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinishExecution finalizes the execution.
func (c *Client) FinishExecution(ctx context.Context, execID int64, fin store.FinishStats) error {
	req := FinishRequest{
		DurationMS:   fin.Duration.Milliseconds(),
		Selected:     fin.Selected,
		SkippedTests: fin.SkippedTests,
		SkippedMS:    fin.SkippedTime.Milliseconds(),
	}
	return c.call(ctx, http.MethodPost, c.execPath(execID, "finish"), req, nil)
}

// Close releases client resources. The server side is unaffected.
func (c *Client) Close() error {
	c.encoder.Close()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) execPath(execID int64, op string) string {
	return "/v1/executions/" + strconv.FormatInt(execID, 10) + "/" + op
}

// call performs one logical request with retries. 4xx responses are
// permanent; network errors and 5xx responses are retried with jittered
// exponential backoff.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	compressed := false
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		if len(body) > compressThreshold {
			body = c.encoder.EncodeAll(body, nil)
			compressed = true
		}
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)))
			c.logger.Debug("retrying request", "method", method, "path", path, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, retryable, err := c.attempt(ctx, method, path, body, compressed, out)
		if err == nil {
			return nil
		}
		// Per-request timeouts are retryable; the caller's context is not.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		lastStatus = status
		if !retryable {
			return &Error{Op: method + " " + path, Status: status, Err: err}
		}
	}
	return &Error{Op: method + " " + path, Status: lastStatus, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, compressed bool, out any) (status int, retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, false, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(len(body))
		if compressed {
			req.Header.Set("Content-Encoding", "zstd")
		}
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The server maps unknown executions to 404.
		return resp.StatusCode, false, store.ErrUnknownExecution
	case resp.StatusCode >= 500:
		return resp.StatusCode, true, parseError(resp)
	case resp.StatusCode >= 400:
		return resp.StatusCode, false, parseError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, false, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, false, nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var errResp ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
		if errResp.Details != "" {
			return fmt.Errorf("%s: %s", errResp.Error, errResp.Details)
		}
		return errors.New(errResp.Error)
	}
	return errors.New("server error: " + strconv.Itoa(resp.StatusCode))
}
