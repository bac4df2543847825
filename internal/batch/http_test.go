package batch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBatchAPI mimics the files and batches endpoints
type fakeBatchAPI struct {
	mu          sync.Mutex
	uploaded    []string
	purpose     string
	authHeader  string
	created     map[string]string
	batchStatus string
	batchBody   string
	output      string
	failWith    int
}

func (f *fakeBatchAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHeader = r.Header.Get("Authorization")
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream says no"}}`))
			return
		}
		require.Equal(t, http.MethodPost, r.Method)

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		f.uploaded = append(f.uploaded, string(data))
		f.purpose = r.FormValue("purpose")

		_, _ = w.Write([]byte(`{"id":"file-1","object":"file"}`))
	})

	mux.HandleFunc("/batches", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.created = body
		_, _ = w.Write([]byte(`{"id":"batch_abc123","status":"validating"}`))
	})

	mux.HandleFunc("/batches/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		if f.batchBody != "" {
			_, _ = w.Write([]byte(f.batchBody))
			return
		}
		_, _ = w.Write([]byte(`{"id":"batch_abc123","status":"` + f.batchStatus + `","output_file_id":"file-out"}`))
	})

	mux.HandleFunc("/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = w.Write([]byte(f.output))
	})

	return mux
}

func newTestClient(t *testing.T, api *fakeBatchAPI) *HTTPClient {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Model:   "test-model",
		Timeout: 2 * time.Second,
		Logger:  logger.Discard(),
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(ClientConfig{Model: "m"})
	assert.Error(t, err, "base URL required")

	_, err = NewHTTPClient(ClientConfig{BaseURL: "http://x"})
	assert.Error(t, err, "model required")

	c, err := NewHTTPClient(ClientConfig{BaseURL: "http://x/v1/", Model: "m", Logger: logger.Discard()})
	require.NoError(t, err)
	assert.Equal(t, "http://x/v1", c.baseURL)
	assert.Equal(t, "1h", c.completionWindow)
	assert.Equal(t, 4096, c.maxTokens)
	assert.Equal(t, 0.7, c.temperature)
}

func TestHTTPClient_Submit(t *testing.T) {
	api := &fakeBatchAPI{}
	c := newTestClient(t, api)

	jobID, err := c.Submit(context.Background(), Request{
		Description: "coffee plan",
		Prompt:      "Write a business plan for a coffee shop",
	})
	require.NoError(t, err)
	assert.Equal(t, "batch_abc123", jobID)

	api.mu.Lock()
	defer api.mu.Unlock()

	assert.Equal(t, "Bearer secret", api.authHeader)
	assert.Equal(t, "batch", api.purpose)
	require.Len(t, api.uploaded, 1)
	assert.True(t, strings.HasSuffix(api.uploaded[0], "\n"), "JSONL line must be newline terminated")

	var line requestLine
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(api.uploaded[0])), &line))
	assert.True(t, strings.HasPrefix(line.CustomID, "task-"))
	assert.Equal(t, "POST", line.Method)
	assert.Equal(t, chatCompletionsEndpoint, line.URL)
	assert.Equal(t, "test-model", line.Body.Model)
	require.Len(t, line.Body.Messages, 2)
	assert.Equal(t, "system", line.Body.Messages[0].Role)
	assert.Equal(t, "Write a business plan for a coffee shop", line.Body.Messages[1].Content)

	assert.Equal(t, "file-1", api.created["input_file_id"])
	assert.Equal(t, chatCompletionsEndpoint, api.created["endpoint"])
	assert.Equal(t, "1h", api.created["completion_window"])
}

func TestHTTPClient_SubmitEmptyPrompt(t *testing.T) {
	c := newTestClient(t, &fakeBatchAPI{})

	_, err := c.Submit(context.Background(), Request{Description: "  "})
	require.Error(t, err)
	assert.Equal(t, Permanent, KindOf(err))
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusRequestTimeout, Transient},
		{http.StatusBadRequest, Permanent},
		{http.StatusUnauthorized, Permanent},
		{http.StatusNotFound, Permanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, &fakeBatchAPI{failWith: tt.status})

			_, err := c.Submit(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.status, be.StatusCode)
		})
	}
}

func TestHTTPClient_ErrorMessageFromBody(t *testing.T) {
	c := newTestClient(t, &fakeBatchAPI{failWith: http.StatusForbidden})

	_, err := c.Submit(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream says no")
}

func TestHTTPClient_ZeroTemperatureKept(t *testing.T) {
	api := &fakeBatchAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	zero := 0.0
	c, err := NewHTTPClient(ClientConfig{
		BaseURL:     srv.URL,
		Model:       "test-model",
		Temperature: &zero,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.temperature)

	_, err = c.Submit(context.Background(), Request{Prompt: "deterministic please"})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.uploaded, 1)
	assert.Contains(t, api.uploaded[0], `"temperature":0,`)
}

func TestRemoteMessage_TruncatesOnRuneBoundary(t *testing.T) {
	body := []byte("x" + strings.Repeat("é", maxErrorBody))

	msg := remoteMessage(body)
	assert.True(t, utf8.ValidString(msg), "truncated message must stay valid UTF-8")
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.LessOrEqual(t, len(msg), maxErrorBody+len("..."))

	assert.Equal(t, "empty response", remoteMessage([]byte("  ")))
	assert.Equal(t, "short", remoteMessage([]byte("short")))
}

func TestHTTPClient_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewHTTPClient(ClientConfig{BaseURL: addr, Model: "m", Timeout: time.Second, Logger: logger.Discard()})
	require.NoError(t, err)

	_, err = c.Poll(context.Background(), "batch_1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_Poll(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		want   task.Status
	}{
		{"validating", "validating", task.StatusPending},
		{"in progress", "in_progress", task.StatusRunning},
		{"finalizing", "finalizing", task.StatusRunning},
		{"expired", "expired", task.StatusFailed},
		{"cancelled", "cancelled", task.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeBatchAPI{batchStatus: tt.remote})

			res, err := c.Poll(context.Background(), "batch_abc123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Empty(t, res.Result)
		})
	}
}

func TestHTTPClient_PollCompleted(t *testing.T) {
	api := &fakeBatchAPI{
		batchStatus: "completed",
		output: `{"id":"r1","custom_id":"task-1","response":{"status_code":200,"body":{"choices":[{"message":{"role":"assistant","content":"Here is your plan."}}]}}}
{"id":"r2","custom_id":"task-2","response":{"status_code":200,"body":{"choices":[{"message":{"content":"ignored"}}]}}}
`,
	}
	c := newTestClient(t, api)

	res, err := c.Poll(context.Background(), "batch_abc123")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "Here is your plan.", res.Result)
}

func TestHTTPClient_PollFailedDetail(t *testing.T) {
	api := &fakeBatchAPI{
		batchBody: `{"id":"batch_abc123","status":"failed","errors":{"data":[{"code":"invalid_model","message":"model not found"}]}}`,
	}
	c := newTestClient(t, api)

	res, err := c.Poll(context.Background(), "batch_abc123")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, "invalid_model: model not found", res.Error)
}

func TestHTTPClient_PollUnknownStatus(t *testing.T) {
	c := newTestClient(t, &fakeBatchAPI{batchStatus: "melting"})

	_, err := c.Poll(context.Background(), "batch_abc123")
	require.Error(t, err)
	assert.Equal(t, Permanent, KindOf(err))
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty file", "", emptyOutputText, false},
		{"blank lines", "\n\n", emptyOutputText, false},
		{"no choices", `{"response":{"body":{"choices":[]}}}`, defaultCompletedText, false},
		{"null content", `{"response":{"body":{"choices":[{"message":{"content":null}}]}}}`, defaultCompletedText, false},
		{"content", `{"response":{"body":{"choices":[{"message":{"content":"ok"}}]}}}`, "ok", false},
		{"request error", `{"error":{"message":"bad"}}`, "", true},
		{"garbage", `not json`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, task.StatusRunning, MapStatus("cancelling"))
	assert.Equal(t, task.StatusCompleted, MapStatus("completed"))
	assert.Equal(t, task.StatusFailed, MapStatus("failed"))
	assert.Equal(t, task.Status(""), MapStatus("unknown"))
}
