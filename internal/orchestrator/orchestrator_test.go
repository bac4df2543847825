package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/batch/batchtest"
	"github.com/GorshkovIvan/voice-agent/internal/channel/channeltest"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/notify"
	"github.com/GorshkovIvan/voice-agent/internal/poller"
	"github.com/GorshkovIvan/voice-agent/internal/storage"
	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orch    *Orchestrator
	service *batchtest.Service
	store   storage.ResultStore
	out     *channeltest.Recorder
}

func newFixture(t *testing.T) *fixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		service: batchtest.New(),
		store:   storage.NewRedisStore(client),
		out:     channeltest.New(),
	}

	log := logger.Discard()
	orch, err := New(Config{
		Submit:        batch.SubmitterConfig{Retries: 2},
		Poller:        poller.Config{Interval: time.Millisecond, MaxFailures: 5},
		DedupWindow:   time.Minute,
		SweepInterval: 10 * time.Millisecond,
	}, Deps{
		Service:  f.service,
		Store:    f.store,
		Notifier: notify.NewDispatcher(f.out, notify.Config{Timeout: time.Second, Logger: log}),
		Logger:   log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	f.orch = orch
	return f
}

func (f *fixture) waitResult(t *testing.T, jobID string) *task.Record {
	var rec *task.Record
	require.Eventually(t, func() bool {
		r, err := f.orch.GetResult(context.Background(), jobID)
		if err != nil {
			return false
		}
		rec = r
		return true
	}, 5*time.Second, 2*time.Millisecond)
	return rec
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{Store: nil, Service: batchtest.New()})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestSubmit_DuplicateReturnsSameJob(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	first, err := f.orch.Submit(ctx, "business plan for a coffee shop", "")
	require.NoError(t, err)

	second, err := f.orch.Submit(ctx, "Business plan  for a COFFEE shop", "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.service.SubmitCount())
	snap := f.orch.Metrics()
	assert.Equal(t, int64(1), snap.Submissions)
	assert.Equal(t, int64(1), snap.DedupHits)
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.orch.Submit(context.Background(), "market analysis", "")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.service.SubmitCount())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSubmit_DistinctTasks(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	a, err := f.orch.Submit(ctx, "task a", "")
	require.NoError(t, err)
	b, err := f.orch.Submit(ctx, "task b", "")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, f.service.SubmitCount())
	assert.True(t, f.orch.Active(a))
	assert.True(t, f.orch.Active(b))
}

func TestSubmit_PromptDefaultsToDescription(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())

	_, err := f.orch.Submit(context.Background(), "write a haiku", "")
	require.NoError(t, err)

	submits := f.service.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "write a haiku", submits[0].Prompt)
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Submit(context.Background(), "   ", "prompt")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, f.service.SubmitCount())
}

func TestSubmit_FailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	unavailable := batchtest.Transient().Err
	f.service.FailSubmits(unavailable, unavailable, unavailable)
	f.service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "business plan for a coffee shop", "")
	var se *batch.SubmissionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, batch.Transient, se.Kind)
	assert.Equal(t, 3, se.Attempts)

	id, err := f.orch.Submit(ctx, "business plan for a coffee shop", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 4, f.service.SubmitCount())
	assert.Equal(t, int64(1), f.orch.Metrics().SubmissionFailures)
}

func TestSubmit_PermanentFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	f.service.FailSubmits(&batch.Error{Kind: batch.Permanent, Op: "create batch", StatusCode: 400, Err: errors.New("invalid model")})

	_, err := f.orch.Submit(context.Background(), "report", "")
	assert.Equal(t, batch.Permanent, batch.KindOf(err))
	assert.Equal(t, 1, f.service.SubmitCount())
}

func TestEndToEnd_CompletedResultRetrievable(t *testing.T) {
	f := newFixture(t)
	f.service.QueueIDs("batch_coffee")
	f.service.Script("batch_coffee", batchtest.Running(), batchtest.Completed("Step 1: find a location"))

	id, err := f.orch.Submit(context.Background(), "business plan for a coffee shop", "Write a business plan for a coffee shop")
	require.NoError(t, err)
	assert.Equal(t, "batch_coffee", id)

	rec := f.waitResult(t, id)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, "Step 1: find a location", *rec.Result)
	assert.Equal(t, "business plan for a coffee shop", rec.Description)

	require.Eventually(t, func() bool { return !f.orch.Active(id) }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.out.Said()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t,
		"Your task 'business plan for a coffee shop' is ready. Would you like me to read the results?",
		f.out.Said()[0])

	calls := f.out.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Force)
}

func TestGetResult_NotFinished(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	id, err := f.orch.Submit(ctx, "long job", "")
	require.NoError(t, err)

	_, err = f.orch.GetResult(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.orch.GetResult(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.orch.GetResult(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStatus_LiveAndStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service.QueueIDs("done", "live")
	f.service.Script("done", batchtest.Completed("x"))
	f.service.Script("live", batchtest.Running())

	_, err := f.orch.Submit(ctx, "finished task", "")
	require.NoError(t, err)
	f.waitResult(t, "done")

	_, err = f.orch.Submit(ctx, "running task", "")
	require.NoError(t, err)

	var summaries []task.Summary
	require.Eventually(t, func() bool {
		summaries, err = f.orch.Status(ctx)
		return err == nil && len(summaries) == 2 && summaries[0].Status == task.StatusRunning
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "live", summaries[0].JobID)
	assert.Equal(t, task.StatusRunning, summaries[0].Status)
	assert.Equal(t, "done", summaries[1].JobID)
	assert.Equal(t, task.StatusCompleted, summaries[1].Status)
}

func TestShutdown_StopsPollersWithoutWrites(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())
	ctx := context.Background()

	id, err := f.orch.Submit(ctx, "never finishes", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.service.PollCount(id) > 0 }, time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(shutdownCtx))

	assert.False(t, f.orch.Active(id))
	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.out.Calls())
	assert.Equal(t, int64(1), f.orch.Metrics().JobsCancelled)

	_, err = f.orch.Submit(ctx, "too late", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.orch.Shutdown(ctx))
}

func TestDuplicatePoller(t *testing.T) {
	f := newFixture(t)
	f.service.DefaultScript(batchtest.Running())

	h := batch.Handle{JobID: "same", Description: "d", SubmittedAt: time.Now()}
	require.NoError(t, f.orch.start(h))
	assert.ErrorIs(t, f.orch.start(h), ErrAlreadyTracked)
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	f.service.QueueIDs("live")
	f.service.DefaultScript(batchtest.Running())

	_, err := f.orch.Submit(context.Background(), "watch me", "")
	require.NoError(t, err)

	s, ok := f.orch.Lookup("live")
	require.True(t, ok)
	assert.Equal(t, "watch me", s.Description)

	_, ok = f.orch.Lookup("other")
	assert.False(t, ok)
}
