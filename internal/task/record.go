package task

import (
	"fmt"
	"time"
)

// Record is the persisted outcome of a finished task, one per job id
type Record struct {
	JobID       string    `json:"job_id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Result      *string   `json:"result"`
	Error       *string   `json:"error"`
	CompletedAt time.Time `json:"completed_at"`
}

// Validate checks that the record can be stored
func (r Record) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("record job id cannot be empty")
	}
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return fmt.Errorf("record status must be %s or %s, got %q", StatusCompleted, StatusFailed, r.Status)
	}
	if r.Status == StatusFailed && r.Result != nil {
		return fmt.Errorf("failed record cannot carry a result")
	}
	return nil
}

// Summary is the listing view of a task, live or finished
type Summary struct {
	JobID       string    `json:"job_id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Summary returns the listing view of a stored record
func (r Record) Summary() Summary {
	return Summary{
		JobID:       r.JobID,
		Description: r.Description,
		Status:      r.Status,
	}
}
