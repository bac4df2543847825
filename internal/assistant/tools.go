// Package assistant renders orchestrator operations as the short replies a
// conversational agent speaks back to the user.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GorshkovIvan/voice-agent/internal/orchestrator"
	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// Backend is the orchestrator surface the tools use
type Backend interface {
	Submit(ctx context.Context, description, prompt string) (string, error)
	GetResult(ctx context.Context, jobID string) (*task.Record, error)
	Lookup(jobID string) (task.Summary, bool)
	Status(ctx context.Context) ([]task.Summary, error)
}

// Tools exposes submit, status and result lookups as reply strings
type Tools struct {
	backend Backend
}

// NewTools creates the tool set over backend
func NewTools(backend Backend) *Tools {
	return &Tools{backend: backend}
}

// SubmitTask offloads a long-running task
func (t *Tools) SubmitTask(ctx context.Context, description, prompt string) string {
	jobID, err := t.backend.Submit(ctx, description, prompt)
	if err != nil {
		return fmt.Sprintf("Failed to submit task: %v", err)
	}
	return fmt.Sprintf("Task '%s' submitted successfully. Job ID: %s. The user will be notified when complete.", description, jobID)
}

// CheckTaskStatus lists every known task
func (t *Tools) CheckTaskStatus(ctx context.Context) string {
	summaries, err := t.backend.Status(ctx)
	if err != nil {
		return fmt.Sprintf("Failed to check tasks: %v", err)
	}
	if len(summaries) == 0 {
		return "No tasks found."
	}

	lines := make([]string, 0, len(summaries))
	for _, s := range summaries {
		lines = append(lines, fmt.Sprintf("Job %s: %s - %s", s.JobID, s.Description, s.Status))
	}
	return "Tasks:\n" + strings.Join(lines, "\n")
}

// GetTaskResult reads back the outcome of one job
func (t *Tools) GetTaskResult(ctx context.Context, jobID string) string {
	rec, err := t.backend.GetResult(ctx, jobID)
	if errors.Is(err, orchestrator.ErrNotFound) {
		if live, ok := t.backend.Lookup(jobID); ok {
			return fmt.Sprintf("Task '%s' is still %s. Please wait.", live.Description, live.Status)
		}
		return fmt.Sprintf("No task found with job ID: %s", jobID)
	}
	if err != nil {
		return fmt.Sprintf("Failed to get task result: %v", err)
	}

	if rec.Status == task.StatusFailed {
		reason := "unknown error"
		if rec.Error != nil {
			reason = *rec.Error
		}
		return fmt.Sprintf("Task '%s' failed: %s", rec.Description, reason)
	}
	if rec.Result == nil || *rec.Result == "" {
		return "Task completed but no results were saved."
	}
	return fmt.Sprintf("Results for '%s':\n\n%s", rec.Description, *rec.Result)
}
