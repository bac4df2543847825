package storage

import (
	"context"
	"errors"

	"github.com/GorshkovIvan/voice-agent/internal/task"
)

// ErrNotFound is returned when no record exists for a job id. A job that is
// still running has no record yet.
var ErrNotFound = errors.New("result not found")

// ResultStore defines durable persistence of finished task records
type ResultStore interface {
	// Put writes the record for rec.JobID, replacing any previous one atomically
	Put(ctx context.Context, rec task.Record) error

	// Get retrieves the record for jobID or ErrNotFound
	Get(ctx context.Context, jobID string) (*task.Record, error)

	// List returns all stored records, most recently completed first
	List(ctx context.Context) ([]task.Record, error)

	// Health checks that the backend is reachable
	Health(ctx context.Context) error

	// Close releases backend resources
	Close() error
}
