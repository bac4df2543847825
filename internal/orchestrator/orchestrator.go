// Package orchestrator ties submission, deduplication, polling, storage and
// notification together behind the caller-facing operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/dedup"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/monitoring"
	"github.com/GorshkovIvan/voice-agent/internal/poller"
	"github.com/GorshkovIvan/voice-agent/internal/storage"
	"github.com/GorshkovIvan/voice-agent/internal/task"
)

var (
	// ErrInvalidInput is returned for an empty description or job id
	ErrInvalidInput = errors.New("invalid input")
	// ErrClosed is returned once Shutdown has been called
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrNotFound is returned by GetResult for unknown or unfinished jobs
	ErrNotFound = storage.ErrNotFound
	// ErrAlreadyTracked is returned when a job id already has a live poller
	ErrAlreadyTracked = errors.New("job already has a poller")
)

// Config holds orchestrator settings
type Config struct {
	Submit        batch.SubmitterConfig
	Poller        poller.Config
	DedupWindow   time.Duration
	SweepInterval time.Duration
}

// Deps are the collaborators the orchestrator drives
type Deps struct {
	Service  batch.Service
	Store    storage.ResultStore
	Notifier poller.Notifier
	Logger   *logger.Logger
	Metrics  *monitoring.Metrics
}

type handle struct {
	poller *poller.Poller
	cancel context.CancelFunc
}

// Orchestrator is the composition root. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg       Config
	service   batch.Service
	submitter *batch.Submitter
	store     storage.ResultStore
	notifier  poller.Notifier
	guard     *dedup.Guard
	logger    *logger.Logger
	metrics   *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]*handle
	closed  bool
}

// New creates an orchestrator and starts its dedup sweeper
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.ForComponent("orchestrator")
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}

	if cfg.Submit.Logger == nil {
		cfg.Submit.Logger = deps.Logger.WithComponent("submitter")
	}
	if cfg.Poller.Logger == nil {
		cfg.Poller.Logger = deps.Logger.WithComponent("poller")
	}
	cfg.Poller.Metrics = deps.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		service:   deps.Service,
		submitter: batch.NewSubmitter(deps.Service, cfg.Submit),
		store:     deps.Store,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		pollers:   make(map[string]*handle),
	}
	o.guard = dedup.NewGuard(dedup.Config{
		Window: cfg.DedupWindow,
		Active: o.Active,
		Logger: deps.Logger.WithComponent("dedup"),
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.guard.Run(ctx, cfg.SweepInterval)
	}()

	return o, nil
}

// Submit offloads a task and returns its job id. A repeat of a request
// submitted within the dedup window returns the earlier job id without a
// remote call. Submission failures are returned as *batch.SubmissionError.
func (o *Orchestrator) Submit(ctx context.Context, description, prompt string) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("%w: description cannot be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = description
	}
	if o.isClosed() {
		return "", ErrClosed
	}

	reservation, existing, err := o.guard.CheckAndRegister(ctx, task.Fingerprint(description))
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if existing != "" {
		o.metrics.RecordDedupHit()
		return existing, nil
	}

	h, err := o.submitter.Submit(ctx, description, prompt)
	if err != nil {
		reservation.Release()
		o.metrics.RecordSubmissionFailure()
		return "", err
	}

	// Register before committing so a waiting duplicate sees a live job
	startErr := o.start(h)
	reservation.Commit(h.JobID)
	o.metrics.RecordSubmission()

	if startErr != nil {
		o.logger.Error("Submitted job is not tracked", logger.Fields{
			"job_id": h.JobID,
			"error":  startErr,
		})
		return h.JobID, startErr
	}
	return h.JobID, nil
}

func (o *Orchestrator) start(h batch.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("%w: job %s was submitted but will not be polled", ErrClosed, h.JobID)
	}
	if _, ok := o.pollers[h.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, h.JobID)
	}

	t := task.New(h.JobID, h.Description, h.SubmittedAt)
	t.Prompt = h.Prompt

	ctx, cancel := context.WithCancel(o.ctx)
	p := poller.New(t, o.service, o.store, o.notifier, o.deregister, o.cfg.Poller)
	o.pollers[h.JobID] = &handle{poller: p, cancel: cancel}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		p.Run(ctx)
	}()
	return nil
}

func (o *Orchestrator) deregister(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.pollers[jobID]; ok {
		h.cancel()
		delete(o.pollers, jobID)
	}
}

// Active reports whether jobID has a live poller
func (o *Orchestrator) Active(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pollers[jobID]
	return ok
}

// Lookup returns the live view of jobID if it still has a poller
func (o *Orchestrator) Lookup(jobID string) (task.Summary, bool) {
	o.mu.Lock()
	h, ok := o.pollers[jobID]
	o.mu.Unlock()
	if !ok {
		return task.Summary{}, false
	}
	return h.poller.Snapshot().Summary(), true
}

// GetResult returns the stored record of a finished job. It returns
// ErrNotFound for unknown jobs and for jobs that are still running.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (*task.Record, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id cannot be empty", ErrInvalidInput)
	}
	return o.store.Get(ctx, jobID)
}

// Status lists live jobs, newest first, followed by stored records
func (o *Orchestrator) Status(ctx context.Context) ([]task.Summary, error) {
	o.mu.Lock()
	live := make([]task.Summary, 0, len(o.pollers))
	for _, h := range o.pollers {
		live = append(live, h.poller.Snapshot().Summary())
	}
	o.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		if !live[i].SubmittedAt.Equal(live[j].SubmittedAt) {
			return live[i].SubmittedAt.After(live[j].SubmittedAt)
		}
		return live[i].JobID < live[j].JobID
	})

	records, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	stored := make(map[string]bool, len(records))
	for _, rec := range records {
		stored[rec.JobID] = true
	}

	out := make([]task.Summary, 0, len(live)+len(records))
	for _, s := range live {
		// A poller that just stored its record is reported from the store
		if !stored[s.JobID] {
			out = append(out, s)
		}
	}
	for _, rec := range records {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// Metrics returns a snapshot of the orchestrator counters
func (o *Orchestrator) Metrics() monitoring.MetricsSnapshot {
	return o.metrics.Snapshot()
}

// Health checks the result store
func (o *Orchestrator) Health(ctx context.Context) error {
	return o.store.Health(ctx)
}

// Shutdown cancels every poller and the dedup sweeper and waits for them to
// stop, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := len(o.pollers)
	o.mu.Unlock()

	o.logger.Info("Shutting down", logger.Fields{"active_pollers": live})
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("All pollers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pollers: %w", ctx.Err())
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
