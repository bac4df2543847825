// Package poller tracks one submitted job until it reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/monitoring"
	"github.com/GorshkovIvan/voice-agent/internal/storage"
	"github.com/GorshkovIvan/voice-agent/internal/task"
)

const (
	// DefaultInterval is the wait between two status queries
	DefaultInterval = 10 * time.Second
	// DefaultMaxFailures is how many consecutive transient poll failures are tolerated
	DefaultMaxFailures = 5
	// DefaultStoreTimeout bounds the result write of a finished job
	DefaultStoreTimeout = 5 * time.Second

	cancelledRemotely = "batch cancelled remotely"
)

// ErrPollExhausted is recorded when transient poll failures exceed the bound
var ErrPollExhausted = errors.New("poll retries exhausted")

// Notifier announces a finished task
type Notifier interface {
	Notify(ctx context.Context, t task.Task) error
}

// Config holds poller settings
type Config struct {
	Interval     time.Duration
	MaxFailures  int
	StoreTimeout time.Duration
	Logger       *logger.Logger
	Metrics      *monitoring.Metrics
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.ForComponent("poller")
	}
	return c
}

// Poller owns one task. It is the only writer of that task; readers go
// through Snapshot.
type Poller struct {
	cfg      Config
	service  batch.Service
	store    storage.ResultStore
	notifier Notifier
	onDone   func(jobID string)

	mu   sync.RWMutex
	task *task.Task
}

// New creates a poller for t. onDone, if set, is called exactly once when
// Run returns.
func New(t *task.Task, service batch.Service, store storage.ResultStore, notifier Notifier, onDone func(jobID string), cfg Config) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:      cfg,
		service:  service,
		store:    store,
		notifier: notifier,
		onDone:   onDone,
		task:     t,
	}
}

// JobID returns the id of the tracked job
func (p *Poller) JobID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.task.JobID
}

// Snapshot returns a copy of the task's current state
func (p *Poller) Snapshot() task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := *p.task
	if t.Result != nil {
		r := *t.Result
		t.Result = &r
	}
	return t
}

// Run polls until the job finishes or ctx is cancelled. A finished job is
// stored then announced; a cancelled one is neither.
func (p *Poller) Run(ctx context.Context) {
	jobID := p.JobID()
	log := p.cfg.Logger

	p.cfg.Metrics.PollerStarted()
	defer func() {
		p.cfg.Metrics.PollerStopped()
		if p.onDone != nil {
			p.onDone(jobID)
		}
	}()

	log.Debug("Poller started", logger.Fields{"job_id": jobID, "interval": p.cfg.Interval})

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.cancel()
			return
		case <-timer.C:
		}

		res, err := p.service.Poll(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				p.cancel()
				return
			}

			p.cfg.Metrics.RecordPollError()
			if !batch.IsTransient(err) {
				log.Error("Permanent poll failure", logger.Fields{"job_id": jobID, "error": err})
				p.fail(fmt.Sprintf("poll failed: %v", err))
				p.finish(ctx)
				return
			}

			failures++
			if failures > p.cfg.MaxFailures {
				log.Error("Giving up on job after repeated poll failures", logger.Fields{
					"job_id":   jobID,
					"failures": failures,
					"error":    err,
				})
				p.fail(fmt.Sprintf("%v after %d attempts: %v", ErrPollExhausted, failures, err))
				p.finish(ctx)
				return
			}

			log.Warn("Transient poll failure", logger.Fields{
				"job_id":   jobID,
				"failures": failures,
				"max":      p.cfg.MaxFailures,
				"error":    err,
			})
			timer.Reset(p.cfg.Interval)
			continue
		}

		failures = 0
		if p.apply(res) {
			p.finish(ctx)
			return
		}
		timer.Reset(p.cfg.Interval)
	}
}

// apply moves the task to the remote status and reports whether it is now
// terminal. Regressions and repeats are ignored.
func (p *Poller) apply(res batch.PollResult) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.task
	prev := t.Status

	var err error
	switch res.Status {
	case task.StatusCompleted:
		err = t.Complete(res.Result)
	case task.StatusFailed:
		reason := res.Error
		if reason == "" {
			reason = "batch failed"
		}
		err = t.Fail(reason)
	case task.StatusCancelled:
		// Persisted records only admit Completed or Failed
		err = t.Fail(cancelledRemotely)
	default:
		if !t.CanTransition(res.Status) {
			return false
		}
		err = t.Transition(res.Status)
	}

	if err != nil {
		p.cfg.Logger.Warn("Ignoring status update", logger.Fields{
			"job_id": t.JobID,
			"from":   string(prev),
			"to":     string(res.Status),
			"error":  err,
		})
		return t.Status.IsTerminal()
	}

	if t.Status != prev {
		p.cfg.Logger.Debug("Job status changed", logger.Fields{
			"job_id": t.JobID,
			"from":   string(prev),
			"to":     string(t.Status),
		})
	}
	return t.Status.IsTerminal()
}

func (p *Poller) fail(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.task.Fail(reason); err != nil {
		p.cfg.Logger.Warn("Could not fail task", logger.Fields{"job_id": p.task.JobID, "error": err})
	}
}

func (p *Poller) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task.Status.IsTerminal() {
		return
	}
	if err := p.task.Cancel(); err != nil {
		p.cfg.Logger.Warn("Could not cancel task", logger.Fields{"job_id": p.task.JobID, "error": err})
		return
	}
	p.cfg.Metrics.RecordJobCancelled()
	p.cfg.Logger.Info("Poller cancelled", logger.Fields{"job_id": p.task.JobID})
}

// finish persists and announces a terminal task. The write is detached from
// ctx so a job that finished just before shutdown still keeps its result.
func (p *Poller) finish(ctx context.Context) {
	t := p.Snapshot()
	log := p.cfg.Logger

	elapsed := t.CompletedAt.Sub(t.SubmittedAt)
	if t.Status == task.StatusCompleted {
		p.cfg.Metrics.RecordJobCompleted(elapsed)
	} else {
		p.cfg.Metrics.RecordJobFailed(elapsed)
	}

	rec, err := t.Record()
	if err != nil {
		log.Error("Finished task has no record", logger.Fields{"job_id": t.JobID, "error": err})
		return
	}

	detached := context.WithoutCancel(ctx)
	storeCtx, cancel := context.WithTimeout(detached, p.cfg.StoreTimeout)
	err = p.store.Put(storeCtx, rec)
	cancel()
	if err != nil {
		p.cfg.Metrics.RecordStoreWriteError()
		log.Error("Failed to store result", logger.Fields{"job_id": t.JobID, "error": err})
	} else {
		log.Info("Job finished", logger.Fields{
			"job_id":   t.JobID,
			"status":   string(t.Status),
			"duration": elapsed,
		})
	}

	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(detached, t); err != nil {
		log.Debug("Notification not delivered", logger.Fields{"job_id": t.JobID, "error": err})
	}
}
