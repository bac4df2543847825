// Package notify announces finished tasks on the user's output channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/channel"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/monitoring"
	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// DefaultTimeout bounds one interrupt+say sequence
const DefaultTimeout = 10 * time.Second

// ErrNothingToAnnounce is returned for tasks that are not Completed or Failed
var ErrNothingToAnnounce = errors.New("task has no announcement")

// DeliveryError reports a notification that did not reach the user
type DeliveryError struct {
	JobID string
	// Step is "interrupt" or "say"
	Step string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification for %s failed at %s: %v", e.JobID, e.Step, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config holds dispatcher settings
type Config struct {
	Timeout time.Duration
	Logger  *logger.Logger
	Metrics *monitoring.Metrics
}

// Dispatcher preempts the output channel and speaks task outcomes. Calls
// are serialized so two notifications never interleave on the channel.
type Dispatcher struct {
	mu      sync.Mutex
	out     channel.Output
	timeout time.Duration
	logger  *logger.Logger
	metrics *monitoring.Metrics
}

// NewDispatcher creates a dispatcher writing to out
func NewDispatcher(out channel.Output, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.ForComponent("notify")
	}
	return &Dispatcher{
		out:     out,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Message returns the text announced for t
func Message(t task.Task) (string, error) {
	switch t.Status {
	case task.StatusCompleted:
		return fmt.Sprintf("Your task '%s' is ready. Would you like me to read the results?", t.Description), nil
	case task.StatusFailed:
		return fmt.Sprintf("Sorry, your task '%s' has failed. Would you like me to try again?", t.Description), nil
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrNothingToAnnounce, t.JobID, t.Status)
	}
}

// Notify interrupts whatever is being said and announces t. Say is only
// attempted once the forced interrupt has been acknowledged. Delivery
// failures are logged and returned as *DeliveryError; the task outcome is
// unaffected by them.
func (d *Dispatcher) Notify(ctx context.Context, t task.Task) error {
	msg, err := Message(t)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.out.Interrupt(ctx, true); err != nil {
		return d.failed(&DeliveryError{JobID: t.JobID, Step: "interrupt", Err: err})
	}
	if err := d.out.Say(ctx, msg); err != nil {
		return d.failed(&DeliveryError{JobID: t.JobID, Step: "say", Err: err})
	}

	d.metrics.RecordNotification(true)
	d.logger.Info("Notification delivered", logger.Fields{
		"job_id": t.JobID,
		"status": string(t.Status),
	})
	return nil
}

func (d *Dispatcher) failed(err *DeliveryError) error {
	d.metrics.RecordNotification(false)
	d.logger.Warn("Notification not delivered", logger.Fields{
		"job_id": err.JobID,
		"step":   err.Step,
		"error":  err.Err,
	})
	return err
}
