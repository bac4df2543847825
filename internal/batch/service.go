package batch

import (
	"context"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// Request describes one unit of work for the remote service
type Request struct {
	// Description is the short human summary used in notifications
	Description string
	// Prompt is the full instruction sent to the model
	Prompt string
}

// PollResult is the remote view of a job at one point in time
type PollResult struct {
	Status task.Status
	// Result is set only when Status is Completed
	Result string
	// Error carries the remote failure detail when Status is Failed or Cancelled
	Error string
}

// Service is the remote batch-processing service
type Service interface {
	// Submit hands a request to the service and returns the assigned job id
	Submit(ctx context.Context, req Request) (string, error)

	// Poll returns the current status of a job, with its result once completed
	Poll(ctx context.Context, jobID string) (PollResult, error)
}

// Handle is a submitted job plus the local bookkeeping needed to poll it
type Handle struct {
	JobID       string
	Description string
	Prompt      string
	SubmittedAt time.Time
	Attempts    int
}
