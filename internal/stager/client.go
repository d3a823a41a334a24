package stager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobfiles/pkg/backoff"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DeniedError is a 403 from the job files service. The job key, job state
// or path does not allow the transfer, so it is never retried.
type DeniedError struct {
	Op   string // "download" or "upload"
	Path string // remote path
	Code int    // err_code from the response body, 0 if absent
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s %s: permission denied (err_code %d)", e.Op, e.Path, e.Code)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Op, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Op, e.Path, e.StatusCode, e.Message)
}

// Client transfers files for one job through the job files HTTP API.
type Client struct {
	server     string
	jobID      string
	key        string
	httpClient *http.Client
	retry      backoff.Policy
}

// NewClient creates a client for jobID on server, authenticating with key.
func NewClient(server, jobID, key string, httpClient *http.Client, retry backoff.Policy) (*Client, error) {
	if err := validateURL(server); err != nil {
		return nil, fmt.Errorf("invalid server: %w", err)
	}
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if key == "" {
		return nil, fmt.Errorf("job key is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		server:     strings.TrimRight(server, "/"),
		jobID:      jobID,
		key:        key,
		httpClient: httpClient,
		retry:      retry,
	}, nil
}

func (c *Client) filesURL(remote string) string {
	q := url.Values{"path": {remote}, "job_key": {c.key}}
	return c.server + "/api/jobs/" + url.PathEscape(c.jobID) + "/files?" + q.Encode()
}

// Download fetches remote into local, replacing it atomically.
func (c *Client) Download(ctx context.Context, remote, local string) (int64, error) {
	var written int64
	err := backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		n, err := c.download(ctx, remote, local)
		written = n
		return c.classify(err, "download", remote)
	})
	return written, err
}

func (c *Client) download(ctx context.Context, remote, local string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.filesURL(remote), http.NoBody)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError("download", remote, resp)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to create directory: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to create file: %w", err))
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return written, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return written, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return written, backoff.Permanent(fmt.Errorf("failed to move file into place: %w", err))
	}
	return written, nil
}

// Upload sends local to remote as a raw body.
func (c *Client) Upload(ctx context.Context, local, remote string) (int64, error) {
	info, err := os.Stat(local)
	if err != nil {
		return 0, fmt.Errorf("file not found: %w", err)
	}
	err = backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.classify(c.upload(ctx, local, remote, info.Size()), "upload", remote)
	})
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *Client) upload(ctx context.Context, local, remote string, size int64) error {
	file, err := os.Open(local)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.filesURL(remote), file)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return responseError("upload", remote, resp)
}

// classify marks errors that another attempt cannot fix as permanent.
func (c *Client) classify(err error, op, remote string) error {
	if err == nil {
		return nil
	}
	var denied *DeniedError
	if errors.As(err, &denied) {
		return backoff.Permanent(err)
	}
	var status *StatusError
	if errors.As(err, &status) && status.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	slog.Warn("Transfer attempt failed", "op", op, "path", remote, "jobId", c.jobID, "error", err)
	return err
}

func responseError(op, remote string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  int    `json:"err_code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	if resp.StatusCode == http.StatusForbidden {
		return &DeniedError{Op: op, Path: remote, Code: body.Code}
	}
	return &StatusError{Op: op, Path: remote, StatusCode: resp.StatusCode, Message: body.Error}
}
