package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis server using miniredis
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client), mr
}

func completedRecord(jobID, result string, at time.Time) task.Record {
	return task.Record{
		JobID:       jobID,
		Description: "business plan for a coffee shop",
		Status:      task.StatusCompleted,
		Result:      &result,
		CompletedAt: at,
	}
}

func failedRecord(jobID, reason string, at time.Time) task.Record {
	return task.Record{
		JobID:       jobID,
		Description: "market analysis",
		Status:      task.StatusFailed,
		Error:       &reason,
		CompletedAt: at,
	}
}

// TestRedisPut tests saving a record to Redis
func TestRedisPut(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	rec := completedRecord("abc123", "the plan", time.Now().UTC())
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Failed to put record: %v", err)
	}

	if !mr.Exists(resultKeyPrefix + "abc123") {
		t.Error("Record was not saved to Redis")
	}
	isMember, _ := mr.SIsMember(resultIndexKey, "abc123")
	if !isMember {
		t.Error("Record was not added to the index")
	}
	if ttl := mr.TTL(resultKeyPrefix + "abc123"); ttl != 0 {
		t.Errorf("Records must not expire, got TTL %v", ttl)
	}

	// Stored value must follow the persisted schema
	raw, _ := mr.Get(resultKeyPrefix + "abc123")
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Stored value is not JSON: %v", err)
	}
	for _, key := range []string{"job_id", "description", "status", "result", "error", "completed_at"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Stored record is missing %q", key)
		}
	}
}

// TestRedisPutInvalid rejects records outside the schema
func TestRedisPutInvalid(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	bad := []task.Record{
		{Status: task.StatusCompleted},
		{JobID: "x", Status: task.StatusRunning},
	}
	for _, rec := range bad {
		if err := store.Put(context.Background(), rec); err == nil {
			t.Errorf("Expected error for %+v", rec)
		}
	}
}

// TestRedisGet tests retrieving a record
func TestRedisGet(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := store.Put(context.Background(), failedRecord("job-f", "expired", at)); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	rec, err := store.Get(context.Background(), "job-f")
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if rec.Status != task.StatusFailed {
		t.Errorf("Expected status Failed, got %s", rec.Status)
	}
	if rec.Result != nil {
		t.Error("Expected nil result")
	}
	if rec.Error == nil || *rec.Error != "expired" {
		t.Errorf("Unexpected error field: %v", rec.Error)
	}
	if !rec.CompletedAt.Equal(at) {
		t.Errorf("Expected completed_at %v, got %v", at, rec.CompletedAt)
	}
}

// TestRedisGetNotFound tests the sentinel for unknown job ids
func TestRedisGetNotFound(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	rec, err := store.Get(context.Background(), "unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if rec != nil {
		t.Error("Expected nil record")
	}

	if _, err := store.Get(context.Background(), ""); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected validation error for empty id, got %v", err)
	}
}

// TestRedisGetCorrupt tests decoding failures
func TestRedisGetCorrupt(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	mr.Set(resultKeyPrefix+"bad", "{not json")
	if _, err := store.Get(context.Background(), "bad"); err == nil {
		t.Error("Expected error for corrupt record")
	}
}

// TestRedisPutOverwrites tests that a second write replaces the first
func TestRedisPutOverwrites(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	_ = store.Put(ctx, failedRecord("j", "first", time.Now()))
	_ = store.Put(ctx, completedRecord("j", "second", time.Now()))

	rec, err := store.Get(ctx, "j")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != task.StatusCompleted || *rec.Result != "second" {
		t.Errorf("Expected overwritten record, got %+v", rec)
	}
}

// TestRedisList tests listing in completion order
func TestRedisList(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	records, err := store.List(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("Expected empty list, got %v, %v", records, err)
	}

	_ = store.Put(ctx, completedRecord("old", "a", base))
	_ = store.Put(ctx, completedRecord("new", "b", base.Add(time.Hour)))
	_ = store.Put(ctx, failedRecord("mid", "c", base.Add(time.Minute)))

	// Dangling index entry is skipped
	mr.SAdd(resultIndexKey, "ghost")

	records, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if records[i].JobID != id {
			t.Errorf("records[%d] = %s, want %s", i, records[i].JobID, id)
		}
	}
}

// TestRedisConcurrentPuts tests that concurrent writes to different keys never mix
func TestRedisConcurrentPuts(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			if err := store.Put(ctx, completedRecord(id, "result-"+id, time.Now())); err != nil {
				t.Errorf("Put %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("job-%d", i)
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if rec.JobID != id || *rec.Result != "result-"+id {
			t.Errorf("Record for %s was mixed with another job: %+v", id, rec)
		}
	}
}

// TestRedisHealth tests ping against a live and a stopped server
func TestRedisHealth(t *testing.T) {
	store, mr := setupTestRedis(t)

	if err := store.Health(context.Background()); err != nil {
		t.Fatalf("Expected healthy store, got %v", err)
	}

	mr.Close()
	if err := store.Health(context.Background()); err == nil {
		t.Error("Expected health check to fail after server shutdown")
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
}

// TestRedisSurvivesReconnect tests that records outlive the client that wrote them
func TestRedisSurvivesReconnect(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	ctx := context.Background()
	first := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if err := NewRedisStore(first).Put(ctx, completedRecord("keep", "x", time.Now())); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer second.Close()
	if _, err := NewRedisStore(second).Get(ctx, "keep"); err != nil {
		t.Errorf("Record lost across clients: %v", err)
	}
}

// TestOpenRedis tests the owning constructor
func TestOpenRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	ctx := context.Background()
	store, err := OpenRedis(ctx, &redis.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("OpenRedis failed: %v", err)
	}
	if err := store.Put(ctx, completedRecord("owned", "x", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
	if err := store.Health(ctx); err == nil {
		t.Error("Expected closed client to fail health check")
	}

	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(ctx, &redis.Options{Addr: addr}); err == nil {
		t.Error("Expected error connecting to stopped server")
	}
}
