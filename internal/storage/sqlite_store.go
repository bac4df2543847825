package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/task"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
	job_id       TEXT PRIMARY KEY,
	description  TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	error        TEXT,
	completed_at TEXT NOT NULL
);
`

// SQLiteStore implements ResultStore on a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put upserts the record in a single statement
func (s *SQLiteStore) Put(ctx context.Context, rec task.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (job_id, description, status, result, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		rec.JobID,
		rec.Description,
		string(rec.Status),
		nullString(rec.Result),
		nullString(rec.Error),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get retrieves a record by job id
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*task.Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID cannot be empty")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, description, status, result, error, completed_at
		FROM results WHERE job_id = ?`, jobID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns all records, most recently completed first
func (s *SQLiteStore) List(ctx context.Context) ([]task.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, description, status, result, error, completed_at
		FROM results`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []task.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	sortRecords(records)
	return records, nil
}

// Health pings the database
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*task.Record, error) {
	var (
		rec         task.Record
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		completedAt string
	)
	if err := sc.Scan(&rec.JobID, &rec.Description, &status, &result, &errMsg, &completedAt); err != nil {
		return nil, err
	}

	rec.Status = task.Status(status)
	if result.Valid {
		r := result.String
		rec.Result = &r
	}
	if errMsg.Valid {
		e := errMsg.String
		rec.Error = &e
	}

	ts, err := time.Parse(time.RFC3339Nano, completedAt)
	if err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	rec.CompletedAt = ts
	return &rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ ResultStore = (*SQLiteStore)(nil)
