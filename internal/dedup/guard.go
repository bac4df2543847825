package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/logger"
)

// DefaultWindow is how long a fingerprint keeps pointing at its job
const DefaultWindow = 60 * time.Second

// ActiveFunc reports whether a job still has a live poller
type ActiveFunc func(jobID string) bool

// Guard is a short-window fingerprint cache that absorbs repeated
// submissions of the same logical request.
type Guard struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*entry
	active  ActiveFunc
	now     func() time.Time
	logger  *logger.Logger
}

type entry struct {
	jobID       string
	submittedAt time.Time
	// ready is non-nil while a submission for this fingerprint is in flight
	// and is closed once it is committed or released.
	ready chan struct{}
}

// Config holds guard configuration
type Config struct {
	Window time.Duration
	// Active protects entries of running jobs from pruning. Optional.
	Active ActiveFunc
	Logger *logger.Logger
}

// NewGuard creates a guard with the given window (DefaultWindow when zero)
func NewGuard(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.ForComponent("dedup")
	}
	return &Guard{
		window:  cfg.Window,
		entries: make(map[string]*entry),
		active:  cfg.Active,
		now:     time.Now,
		logger:  cfg.Logger,
	}
}

// SetActiveFunc installs the liveness check used by pruning
func (g *Guard) SetActiveFunc(fn ActiveFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = fn
}

// Window returns the dedup window
func (g *Guard) Window() time.Duration {
	return g.window
}

// CheckAndRegister looks up fingerprint. If a job was registered for it less
// than one window ago, its id is returned and the caller must not submit.
// Otherwise a Reservation is returned and the caller must Commit it with the
// new job id or Release it if submission fails.
//
// A call that races with an in-flight reservation for the same fingerprint
// blocks until that reservation resolves.
func (g *Guard) CheckAndRegister(ctx context.Context, fingerprint string) (*Reservation, string, error) {
	for {
		g.mu.Lock()
		now := g.now()
		g.pruneLocked(now)

		e, ok := g.entries[fingerprint]
		if ok && e.ready != nil {
			wait := e.ready
			g.mu.Unlock()

			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		if ok && now.Sub(e.submittedAt) < g.window {
			jobID := e.jobID
			g.mu.Unlock()

			g.logger.Info("Duplicate submission absorbed", logger.Fields{
				"job_id": jobID,
				"age":    now.Sub(e.submittedAt).Round(time.Millisecond).String(),
			})
			return nil, jobID, nil
		}

		reserved := &entry{submittedAt: now, ready: make(chan struct{})}
		g.entries[fingerprint] = reserved
		g.mu.Unlock()

		return &Reservation{guard: g, fingerprint: fingerprint, entry: reserved}, "", nil
	}
}

// Prune drops entries older than the window whose jobs are no longer active
func (g *Guard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pruneLocked(g.now())
}

func (g *Guard) pruneLocked(now time.Time) int {
	removed := 0
	for fp, e := range g.entries {
		if e.ready != nil || now.Sub(e.submittedAt) < g.window {
			continue
		}
		if g.active != nil && g.active(e.jobID) {
			continue
		}
		delete(g.entries, fp)
		removed++
	}
	return removed
}

// Run prunes on every interval until ctx is cancelled
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Prune(); n > 0 {
				g.logger.Debug("Pruned dedup entries", logger.Fields{"removed": n})
			}
		}
	}
}

// Len returns the number of tracked fingerprints
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Reservation is a claim on a fingerprint while its submission is in flight
type Reservation struct {
	guard       *Guard
	fingerprint string
	entry       *entry
	once        sync.Once
}

// Commit binds the fingerprint to jobID. The window starts now.
func (r *Reservation) Commit(jobID string) {
	r.once.Do(func() {
		g := r.guard
		g.mu.Lock()
		defer g.mu.Unlock()

		r.entry.jobID = jobID
		r.entry.submittedAt = g.now()
		close(r.entry.ready)
		r.entry.ready = nil
	})
}

// Release gives the fingerprint up after a failed submission so the next
// attempt is treated as novel.
func (r *Reservation) Release() {
	r.once.Do(func() {
		g := r.guard
		g.mu.Lock()
		defer g.mu.Unlock()

		if g.entries[r.fingerprint] == r.entry {
			delete(g.entries, r.fingerprint)
		}
		close(r.entry.ready)
		r.entry.ready = nil
	})
}
