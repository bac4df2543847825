package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxDurationSamples bounds the job duration history kept for percentiles
const maxDurationSamples = 1000

// Metrics collects orchestrator counters. All methods are safe for
// concurrent use and a nil *Metrics is a valid no-op collector.
type Metrics struct {
	// Submission metrics
	submissions        int64
	dedupHits          int64
	submissionFailures int64

	// Job metrics
	activePollers   int32
	jobsCompleted   int64
	jobsFailed      int64
	jobsCancelled   int64
	pollErrors      int64
	storeWriteFails int64

	// Notification metrics
	notificationsSent   int64
	notificationsFailed int64

	mu        sync.RWMutex
	durations []time.Duration
	startTime time.Time
}

// MetricsSnapshot provides a point-in-time view of all metrics
type MetricsSnapshot struct {
	Submissions        int64 `json:"submissions"`
	DedupHits          int64 `json:"dedup_hits"`
	SubmissionFailures int64 `json:"submission_failures"`

	ActivePollers    int32 `json:"active_pollers"`
	JobsCompleted    int64 `json:"jobs_completed"`
	JobsFailed       int64 `json:"jobs_failed"`
	JobsCancelled    int64 `json:"jobs_cancelled"`
	PollErrors       int64 `json:"poll_errors"`
	StoreWriteErrors int64 `json:"store_write_errors"`

	NotificationsSent   int64 `json:"notifications_sent"`
	NotificationsFailed int64 `json:"notifications_failed"`

	AvgJobDuration time.Duration `json:"avg_job_duration"`
	P95JobDuration time.Duration `json:"p95_job_duration"`
	P99JobDuration time.Duration `json:"p99_job_duration"`

	Uptime      time.Duration `json:"uptime"`
	LastUpdated time.Time     `json:"last_updated"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		durations: make([]time.Duration, 0, 64),
		startTime: time.Now(),
	}
}

// RecordSubmission counts a task accepted by the remote service
func (m *Metrics) RecordSubmission() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.submissions, 1)
}

// RecordDedupHit counts a submission absorbed by the dedup guard
func (m *Metrics) RecordDedupHit() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.dedupHits, 1)
}

// RecordSubmissionFailure counts a submission that surfaced an error
func (m *Metrics) RecordSubmissionFailure() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.submissionFailures, 1)
}

// PollerStarted increments the live poller gauge
func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	atomic.AddInt32(&m.activePollers, 1)
}

// PollerStopped decrements the live poller gauge
func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	atomic.AddInt32(&m.activePollers, -1)
}

// RecordPollError counts one failed status query
func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.pollErrors, 1)
}

// RecordJobCompleted counts a completed job and its submit-to-finish time
func (m *Metrics) RecordJobCompleted(duration time.Duration) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.jobsCompleted, 1)
	m.recordDuration(duration)
}

// RecordJobFailed counts a failed job and its submit-to-finish time
func (m *Metrics) RecordJobFailed(duration time.Duration) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.jobsFailed, 1)
	m.recordDuration(duration)
}

// RecordJobCancelled counts a poller stopped before its job finished
func (m *Metrics) RecordJobCancelled() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.jobsCancelled, 1)
}

// RecordStoreWriteError counts a failed result write
func (m *Metrics) RecordStoreWriteError() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.storeWriteFails, 1)
}

// RecordNotification counts a notification attempt by outcome
func (m *Metrics) RecordNotification(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		atomic.AddInt64(&m.notificationsSent, 1)
	} else {
		atomic.AddInt64(&m.notificationsFailed, 1)
	}
}

func (m *Metrics) recordDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.durations = append(m.durations, d)
	if len(m.durations) > maxDurationSamples {
		m.durations = m.durations[len(m.durations)-maxDurationSamples:]
	}
}

// calculatePercentiles returns avg, p95 and p99 of job durations (caller must hold lock)
func (m *Metrics) calculatePercentiles() (avg, p95, p99 time.Duration) {
	if len(m.durations) == 0 {
		return 0, 0, 0
	}

	sorted := make([]time.Duration, len(m.durations))
	copy(sorted, m.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	avg = total / time.Duration(len(sorted))
	p95 = sorted[percentileIndex(len(sorted), 0.95)]
	p99 = sorted[percentileIndex(len(sorted), 0.99)]
	return avg, p95, p99
}

// percentileIndex uses the nearest-rank method
func percentileIndex(n int, p float64) int {
	idx := int(float64(n)*p+0.999999) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// Snapshot returns a copy of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{LastUpdated: time.Now()}
	}

	m.mu.RLock()
	avg, p95, p99 := m.calculatePercentiles()
	m.mu.RUnlock()

	return MetricsSnapshot{
		Submissions:         atomic.LoadInt64(&m.submissions),
		DedupHits:           atomic.LoadInt64(&m.dedupHits),
		SubmissionFailures:  atomic.LoadInt64(&m.submissionFailures),
		ActivePollers:       atomic.LoadInt32(&m.activePollers),
		JobsCompleted:       atomic.LoadInt64(&m.jobsCompleted),
		JobsFailed:          atomic.LoadInt64(&m.jobsFailed),
		JobsCancelled:       atomic.LoadInt64(&m.jobsCancelled),
		PollErrors:          atomic.LoadInt64(&m.pollErrors),
		StoreWriteErrors:    atomic.LoadInt64(&m.storeWriteFails),
		NotificationsSent:   atomic.LoadInt64(&m.notificationsSent),
		NotificationsFailed: atomic.LoadInt64(&m.notificationsFailed),
		AvgJobDuration:      avg,
		P95JobDuration:      p95,
		P99JobDuration:      p99,
		Uptime:              time.Since(m.startTime),
		LastUpdated:         time.Now(),
	}
}
