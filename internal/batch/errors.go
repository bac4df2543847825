package batch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry purposes
type Kind int

const (
	// Transient failures (transport errors, timeouts, 429, 5xx) may succeed on retry
	Transient Kind = iota
	// Permanent failures (malformed request, rejection, unknown job) will not
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a failed call to the remote batch service
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the retry classification of err. Caller cancellation is
// permanent; errors that did not come from the service client are treated
// as transient.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	return Transient
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// SubmissionError is returned by Submitter when a task could not be handed
// to the remote service.
type SubmissionError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit batch task (%s, %d attempt(s)): %v", e.Kind, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func transientf(op string, status int, format string, args ...interface{}) *Error {
	return &Error{Kind: Transient, Op: op, StatusCode: status, Err: fmt.Errorf(format, args...)}
}

func permanentf(op string, status int, format string, args ...interface{}) *Error {
	return &Error{Kind: Permanent, Op: op, StatusCode: status, Err: fmt.Errorf(format, args...)}
}
