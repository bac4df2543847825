package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/GorshkovIvan/voice-agent/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys for result storage
	resultKeyPrefix = "batchd:result:"
	resultIndexKey  = "batchd:index:results"
)

// RedisStore implements ResultStore using Redis. Records have no TTL;
// durability comes from the server's AOF/RDB configuration.
type RedisStore struct {
	client *redis.Client
	owned  bool
}

// NewRedisStore creates a Redis result store over an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

// OpenRedis connects to Redis and verifies the connection. The returned
// store owns the client and closes it on Close.
func OpenRedis(ctx context.Context, opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, owned: true}, nil
}

// Put writes the record as a single JSON value and indexes its job id.
// Both commands go in one MULTI/EXEC so a reader never sees a half write.
func (rs *RedisStore) Put(ctx context.Context, rec task.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKeyPrefix+rec.JobID, data, 0)
		pipe.SAdd(ctx, resultIndexKey, rec.JobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	return nil
}

// Get retrieves a record by job id
func (rs *RedisStore) Get(ctx context.Context, jobID string) (*task.Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID cannot be empty")
	}

	data, err := rs.client.Get(ctx, resultKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &rec, nil
}

// List returns every indexed record. Index entries whose value has gone
// missing are skipped.
func (rs *RedisStore) List(ctx context.Context) ([]task.Record, error) {
	jobIDs, err := rs.client.SMembers(ctx, resultIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job IDs: %w", err)
	}
	if len(jobIDs) == 0 {
		return []task.Record{}, nil
	}

	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = resultKeyPrefix + id
	}

	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}

	records := make([]task.Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec task.Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sortRecords(records)
	return records, nil
}

// Health pings the Redis server
func (rs *RedisStore) Health(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the client if the store opened it. A client passed to
// NewRedisStore is left to its owner.
func (rs *RedisStore) Close() error {
	if !rs.owned {
		return nil
	}
	return rs.client.Close()
}

func sortRecords(records []task.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CompletedAt.Equal(records[j].CompletedAt) {
			return records[i].JobID < records[j].JobID
		}
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})
}

var _ ResultStore = (*RedisStore)(nil)
