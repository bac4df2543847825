// Package batchtest provides an in-memory batch.Service for tests.
package batchtest

import (
	"context"
	"errors"
	"sync"

	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/google/uuid"
)

var errUnavailable = errors.New("service unavailable")

// Step is one scripted response to Poll
type Step struct {
	Result batch.PollResult
	Err    error
}

// Running returns a step reporting the job as in progress
func Running() Step {
	return Step{Result: batch.PollResult{Status: task.StatusRunning}}
}

// Completed returns a step reporting the job as done with result
func Completed(result string) Step {
	return Step{Result: batch.PollResult{Status: task.StatusCompleted, Result: result}}
}

// Failed returns a step reporting a remote failure
func Failed(detail string) Step {
	return Step{Result: batch.PollResult{Status: task.StatusFailed, Error: detail}}
}

// Transient returns a step whose poll fails with a transient error
func Transient() Step {
	return Step{Err: &batch.Error{Kind: batch.Transient, Op: "poll batch", StatusCode: 503, Err: errUnavailable}}
}

// Service is a scripted batch.Service. Poll responses are consumed in order
// per job; the last step repeats once the script runs out.
type Service struct {
	mu         sync.Mutex
	ids        []string
	submitErrs []error
	scripts    map[string][]Step
	defaults   []Step
	submits    []batch.Request
	polls      map[string]int
}

// New creates an empty fake service. Unscripted jobs complete on first poll.
func New() *Service {
	return &Service{
		scripts:  make(map[string][]Step),
		defaults: []Step{Completed("done")},
		polls:    make(map[string]int),
	}
}

// QueueIDs sets the job ids handed out by the next successful submissions
func (s *Service) QueueIDs(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
}

// FailSubmits makes the next submissions fail with errs, in order
func (s *Service) FailSubmits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// Script sets the poll responses for jobID
func (s *Service) Script(jobID string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[jobID] = append([]Step(nil), steps...)
}

// DefaultScript sets the poll responses for jobs without their own script
func (s *Service) DefaultScript(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = append([]Step(nil), steps...)
}

// Submit implements batch.Service
func (s *Service) Submit(ctx context.Context, req batch.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits = append(s.submits, req)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return "", err
	}

	var id string
	if len(s.ids) > 0 {
		id = s.ids[0]
		s.ids = s.ids[1:]
	} else {
		id = "batch_" + uuid.NewString()
	}
	if _, ok := s.scripts[id]; !ok {
		s.scripts[id] = append([]Step(nil), s.defaults...)
	}
	return id, nil
}

// Poll implements batch.Service
func (s *Service) Poll(ctx context.Context, jobID string) (batch.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return batch.PollResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls[jobID]++
	steps, ok := s.scripts[jobID]
	if !ok {
		steps = s.defaults
	}
	if len(steps) == 0 {
		return batch.PollResult{Status: task.StatusRunning}, nil
	}

	step := steps[0]
	if len(steps) > 1 {
		s.scripts[jobID] = steps[1:]
	}
	return step.Result, step.Err
}

// SubmitCount returns how many Submit calls reached the service
func (s *Service) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

// Submits returns a copy of all submitted requests
func (s *Service) Submits() []batch.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batch.Request(nil), s.submits...)
}

// PollCount returns how many times jobID was polled
func (s *Service) PollCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[jobID]
}

var _ batch.Service = (*Service)(nil)
