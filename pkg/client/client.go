package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// ErrNotFound is returned when a job has no stored result yet
var ErrNotFound = errors.New("result not found")

// APIError is a non-2xx reply from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("batchd: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests
}

// Config holds client configuration
type Config struct {
	ServerAddr string // e.g. "http://localhost:8080"
	Timeout    time.Duration
}

// Client talks to the batchd HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// Stats is the server's metrics snapshot
type Stats struct {
	Submissions         int64 `json:"submissions"`
	DedupHits           int64 `json:"dedup_hits"`
	SubmissionFailures  int64 `json:"submission_failures"`
	ActivePollers       int32 `json:"active_pollers"`
	JobsCompleted       int64 `json:"jobs_completed"`
	JobsFailed          int64 `json:"jobs_failed"`
	NotificationsSent   int64 `json:"notifications_sent"`
	NotificationsFailed int64 `json:"notifications_failed"`
}

// New creates a new client instance
func New(config Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("server address is required")
	}
	u, err := url.Parse(config.ServerAddr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", config.ServerAddr)
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(config.ServerAddr, "/"),
		http:    &http.Client{Timeout: config.Timeout},
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Submit offloads a task and returns its job id. Resubmitting the same
// description within the server's dedup window returns the same id.
func (c *Client) Submit(ctx context.Context, description, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"description": description,
		"prompt":      prompt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetResult retrieves the record of a finished job, or ErrNotFound
func (c *Client) GetResult(ctx context.Context, jobID string) (*task.Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	var rec task.Record
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(jobID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WaitForResult polls GetResult every interval until the job has a record,
// ctx is done, or a non-404 error occurs.
func (c *Client) WaitForResult(ctx context.Context, jobID string, interval time.Duration) (*task.Record, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, err := c.GetResult(ctx, jobID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns summaries of live and finished jobs
func (c *Client) List(ctx context.Context) ([]task.Summary, error) {
	var resp struct {
		Tasks []task.Summary `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetStats retrieves server statistics
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
