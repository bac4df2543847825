package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/google/uuid"
)

const (
	chatCompletionsEndpoint = "/v1/chat/completions"
	defaultSystemPrompt     = "You are a professional assistant. Complete the task thoroughly and professionally."

	// Result text used when the output file does not carry a message
	defaultCompletedText = "Task completed."
	emptyOutputText      = "Task completed but no results found."

	maxErrorBody = 512
)

// ClientConfig holds settings for the HTTP batch client
type ClientConfig struct {
	BaseURL          string
	APIKey           string
	Model            string
	CompletionWindow string
	SystemPrompt     string
	// Temperature defaults to 0.7 when nil
	Temperature      *float64
	MaxTokens        int
	Timeout          time.Duration
	Logger           *logger.Logger
}

// HTTPClient talks to an OpenAI-compatible batch API (files + batches)
type HTTPClient struct {
	baseURL          string
	apiKey           string
	model            string
	completionWindow string
	systemPrompt     string
	temperature      float64
	maxTokens        int
	http             *http.Client
	logger           *logger.Logger
}

// NewHTTPClient creates a batch client with sensible defaults
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("batch base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid batch base URL: %w", err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("batch model cannot be empty")
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = "1h"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	temperature := 0.7
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.ForComponent("batch")
	}

	return &HTTPClient{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		completionWindow: cfg.CompletionWindow,
		systemPrompt:     cfg.SystemPrompt,
		temperature:      temperature,
		maxTokens:        cfg.MaxTokens,
		logger:           cfg.Logger,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// requestLine is one line of the JSONL batch input file
type requestLine struct {
	CustomID string   `json:"custom_id"`
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Body     chatBody `json:"body"`
}

type fileObject struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

type outputLine struct {
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content *string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Submit uploads the request as a one-line JSONL file and creates a batch for it
func (c *HTTPClient) Submit(ctx context.Context, req Request) (string, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = req.Description
	}
	if strings.TrimSpace(prompt) == "" {
		return "", permanentf("build request", 0, "prompt cannot be empty")
	}

	line, err := c.buildRequestLine(prompt)
	if err != nil {
		return "", err
	}

	fileID, err := c.uploadFile(ctx, line)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          chatCompletionsEndpoint,
		"completion_window": c.completionWindow,
	})
	if err != nil {
		return "", permanentf("create batch", 0, "marshal request: %v", err)
	}

	var b batchObject
	if err := c.doJSON(ctx, "create batch", http.MethodPost, "/batches", bytes.NewReader(body), "application/json", &b); err != nil {
		return "", err
	}
	if b.ID == "" {
		return "", permanentf("create batch", 0, "response carried no batch id")
	}

	c.logger.Debug("Batch created", logger.Fields{
		"job_id":  b.ID,
		"file_id": fileID,
		"status":  b.Status,
	})
	return b.ID, nil
}

// Poll reads the batch status and, once completed, its first output line
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if jobID == "" {
		return PollResult{}, permanentf("poll batch", 0, "job id cannot be empty")
	}

	var b batchObject
	if err := c.doJSON(ctx, "poll batch", http.MethodGet, "/batches/"+url.PathEscape(jobID), nil, "", &b); err != nil {
		return PollResult{}, err
	}

	status := MapStatus(b.Status)
	switch status {
	case task.StatusCompleted:
		result, err := c.fetchResult(ctx, b.OutputFileID)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{Status: status, Result: result}, nil
	case task.StatusFailed, task.StatusCancelled:
		return PollResult{Status: status, Error: b.errorDetail()}, nil
	case "":
		return PollResult{}, permanentf("poll batch", 0, "unknown remote status %q", b.Status)
	default:
		return PollResult{Status: status}, nil
	}
}

// MapStatus converts an OpenAI-style batch status to a task status. Unknown
// values map to the empty status.
func MapStatus(remote string) task.Status {
	switch remote {
	case "validating":
		return task.StatusPending
	case "in_progress", "finalizing", "cancelling":
		return task.StatusRunning
	case "completed":
		return task.StatusCompleted
	case "failed", "expired":
		return task.StatusFailed
	case "cancelled":
		return task.StatusCancelled
	default:
		return ""
	}
}

func (b *batchObject) errorDetail() string {
	if b.Errors != nil {
		msgs := make([]string, 0, len(b.Errors.Data))
		for _, e := range b.Errors.Data {
			if e.Code != "" {
				msgs = append(msgs, e.Code+": "+e.Message)
			} else {
				msgs = append(msgs, e.Message)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return "batch " + b.Status
}

func (c *HTTPClient) buildRequestLine(prompt string) ([]byte, error) {
	line := requestLine{
		CustomID: "task-" + uuid.NewString(),
		Method:   http.MethodPost,
		URL:      chatCompletionsEndpoint,
		Body: chatBody{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "system", Content: c.systemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		},
	}

	data, err := json.Marshal(line)
	if err != nil {
		return nil, permanentf("build request", 0, "marshal batch line: %v", err)
	}
	return append(data, '\n'), nil
}

func (c *HTTPClient) uploadFile(ctx context.Context, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", permanentf("upload file", 0, "write form: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", permanentf("upload file", 0, "create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		return "", permanentf("upload file", 0, "write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		return "", permanentf("upload file", 0, "close form: %v", err)
	}

	var f fileObject
	if err := c.doJSON(ctx, "upload file", http.MethodPost, "/files", &buf, mw.FormDataContentType(), &f); err != nil {
		return "", err
	}
	if f.ID == "" {
		return "", permanentf("upload file", 0, "response carried no file id")
	}
	return f.ID, nil
}

func (c *HTTPClient) fetchResult(ctx context.Context, outputFileID string) (string, error) {
	if outputFileID == "" {
		return emptyOutputText, nil
	}

	data, err := c.do(ctx, "fetch result", http.MethodGet, "/files/"+url.PathEscape(outputFileID)+"/content", nil, "")
	if err != nil {
		return "", err
	}
	return ParseOutput(data)
}

// ParseOutput extracts the assistant message of the first JSONL output line
func ParseOutput(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return "", permanentf("fetch result", 0, "decode output line: %v", err)
		}
		if line.Error != nil && line.Error.Message != "" {
			return "", permanentf("fetch result", 0, "request failed: %s", line.Error.Message)
		}
		choices := line.Response.Body.Choices
		if len(choices) == 0 || choices[0].Message.Content == nil {
			return defaultCompletedText, nil
		}
		return *choices[0].Message.Content, nil
	}
	if err := scanner.Err(); err != nil {
		return "", permanentf("fetch result", 0, "read output: %v", err)
	}
	return emptyOutputText, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, body io.Reader, contentType string, out interface{}) error {
	data, err := c.do(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return permanentf(op, 0, "decode response: %v", err)
	}
	return nil
}

// do performs one request and classifies any failure
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, permanentf(op, 0, "build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: Permanent, Op: op, Err: ctx.Err()}
		}
		return nil, &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: Transient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	msg := remoteMessage(data)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return nil, transientf(op, resp.StatusCode, "%s", msg)
	default:
		return nil, permanentf(op, resp.StatusCode, "%s", msg)
	}
}

// remoteMessage pulls error.message out of an API error body, falling back
// to the truncated raw body.
func remoteMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

var _ Service = (*HTTPClient)(nil)
