package task

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the current state of a batch task
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// ErrInvalidTransition is returned when a status change would move a task
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// rank orders the non-cancelled statuses. Transitions may only increase it.
var rank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusCancelled
}

// Task is one unit of offloaded work tracked by its poller
type Task struct {
	JobID       string    `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	Description string    `json:"description"`
	Prompt      string    `json:"-"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Result      *string   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task for a job the remote service has accepted
func New(jobID, description string, submittedAt time.Time) *Task {
	return &Task{
		JobID:       jobID,
		Fingerprint: Fingerprint(description),
		Description: description,
		Status:      StatusPending,
		SubmittedAt: submittedAt,
	}
}

// CanTransition reports whether moving from the current status to next is allowed.
// Pending may skip straight to a terminal state; a status never repeats.
func (t *Task) CanTransition(next Status) bool {
	if t.Status.IsTerminal() || !t.Status.Valid() || !next.Valid() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return rank[next] > rank[t.Status]
}

// Transition moves the task to next. Result and error fields are left
// untouched; use Complete or Fail for terminal outcomes.
func (t *Task) Transition(next Status) error {
	if next == StatusCompleted {
		return fmt.Errorf("%w: use Complete to enter %s", ErrInvalidTransition, next)
	}
	return t.transition(next)
}

func (t *Task) transition(next Status) error {
	if !t.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	if next.IsTerminal() {
		t.CompletedAt = time.Now().UTC()
	}
	return nil
}

// Complete moves the task to Completed and sets its result. The result is
// written exactly once, together with the transition.
func (t *Task) Complete(result string) error {
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	t.Result = &result
	return nil
}

// Fail moves the task to Failed with an error message
func (t *Task) Fail(reason string) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.Error = reason
	return nil
}

// Cancel moves a non-terminal task to Cancelled
func (t *Task) Cancel() error {
	return t.transition(StatusCancelled)
}

// Record builds the persisted form of a finished task. Only Completed and
// Failed tasks have a record.
func (t *Task) Record() (Record, error) {
	if t.Status != StatusCompleted && t.Status != StatusFailed {
		return Record{}, fmt.Errorf("task %s is %s, not finished", t.JobID, t.Status)
	}

	rec := Record{
		JobID:       t.JobID,
		Description: t.Description,
		Status:      t.Status,
		CompletedAt: t.CompletedAt,
	}
	if t.Result != nil {
		r := *t.Result
		rec.Result = &r
	}
	if t.Error != "" {
		e := t.Error
		rec.Error = &e
	}
	return rec, nil
}

// Summary returns the listing view of the task
func (t Task) Summary() Summary {
	return Summary{
		JobID:       t.JobID,
		Description: t.Description,
		Status:      t.Status,
		SubmittedAt: t.SubmittedAt,
	}
}
