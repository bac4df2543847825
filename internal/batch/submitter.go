package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/logger"
)

// SubmitterConfig holds submission retry settings
type SubmitterConfig struct {
	// Retries is the number of extra attempts after a transient failure
	Retries int
	// RetryDelay is waited between attempts; zero retries immediately
	RetryDelay time.Duration
	Logger     *logger.Logger
}

// Submitter sends tasks to the remote service, retrying transient failures
// a bounded number of times.
type Submitter struct {
	service    Service
	retries    int
	retryDelay time.Duration
	now        func() time.Time
	logger     *logger.Logger
}

// NewSubmitter creates a submitter over service
func NewSubmitter(service Service, cfg SubmitterConfig) *Submitter {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.ForComponent("submitter")
	}
	return &Submitter{
		service:    service,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

// Submit hands the task to the remote service. Every failure is returned as
// a *SubmissionError; permanent failures are never retried.
func (s *Submitter) Submit(ctx context.Context, description, prompt string) (Handle, error) {
	if strings.TrimSpace(description) == "" && strings.TrimSpace(prompt) == "" {
		return Handle{}, &SubmissionError{
			Kind:     Permanent,
			Attempts: 0,
			Err:      fmt.Errorf("malformed request: description and prompt are empty"),
		}
	}

	req := Request{Description: description, Prompt: prompt}
	maxAttempts := s.retries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		jobID, err := s.service.Submit(ctx, req)
		if err == nil {
			s.logger.Info("Task submitted", logger.Fields{
				"job_id":      jobID,
				"description": description,
				"attempt":     attempt,
			})
			return Handle{
				JobID:       jobID,
				Description: description,
				Prompt:      prompt,
				SubmittedAt: s.now(),
				Attempts:    attempt,
			}, nil
		}
		lastErr = err

		kind := KindOf(err)
		if kind == Permanent || attempt == maxAttempts || ctx.Err() != nil {
			if ctx.Err() != nil {
				kind = Permanent
			}
			s.logger.Error("Task submission failed", logger.Fields{
				"description": description,
				"attempts":    attempt,
				"kind":        kind.String(),
				"error":       err,
			})
			return Handle{}, &SubmissionError{Kind: kind, Attempts: attempt, Err: err}
		}

		s.logger.Warn("Transient submission failure, retrying", logger.Fields{
			"description": description,
			"attempt":     attempt,
			"max":         maxAttempts,
			"error":       err,
		})

		if s.retryDelay > 0 {
			timer := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Handle{}, &SubmissionError{Kind: Permanent, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}

	// unreachable: the loop always returns on its last attempt
	return Handle{}, &SubmissionError{Kind: Transient, Attempts: maxAttempts, Err: lastErr}
}
