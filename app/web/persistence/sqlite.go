package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/tweag/chainsail/app/web/enums"
)

// ErrNotFound is returned when no history records match the query
var ErrNotFound = errors.New("no history records found")

const (
	defaultLimit = 100
	maxLimit     = 1000
	opTimeout    = 5 * time.Second
)

// Record is a single proxied call
type Record struct {
	ID         int64         `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	Route      string        `json:"route"`
	Action     enums.Action  `json:"action"`
	JobID      string        `json:"job_id,omitempty"`
	User       string        `json:"user,omitempty"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// recordRow is the db representation of Record, times stored as unix milliseconds
type recordRow struct {
	ID         int64        `db:"id"`
	CreatedAt  int64        `db:"created_at"`
	Route      string       `db:"route"`
	Action     enums.Action `db:"action"`
	JobID      string       `db:"job_id"`
	User       string       `db:"user_name"`
	StatusCode int          `db:"status_code"`
	DurationMs int64        `db:"duration_ms"`
	Error      string       `db:"error"`
}

func (r recordRow) record() Record {
	return Record{
		ID:         r.ID,
		CreatedAt:  time.UnixMilli(r.CreatedAt),
		Route:      r.Route,
		Action:     r.Action,
		JobID:      r.JobID,
		User:       r.User,
		StatusCode: r.StatusCode,
		Duration:   time.Duration(r.DurationMs) * time.Millisecond,
		Error:      r.Error,
	}
}

// SQLiteStore implements history persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and its schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the database schema
func (s *SQLiteStore) Initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			route TEXT NOT NULL,
			action TEXT NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_job_id ON history(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Record appends a history record, zero CreatedAt is set to the current time
func (s *SQLiteStore) Record(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	row := recordRow{
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		Route:      rec.Route,
		Action:     rec.Action,
		JobID:      rec.JobID,
		User:       rec.User,
		StatusCode: rec.StatusCode,
		DurationMs: rec.Duration.Milliseconds(),
		Error:      rec.Error,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO history (created_at, route, action, job_id, user_name, status_code, duration_ms, error)
		VALUES (:created_at, :route, :action, :job_id, :user_name, :status_code, :duration_ms, :error)`, row)
	if err != nil {
		return fmt.Errorf("failed to record %s call: %w", rec.Route, err)
	}
	return nil
}

// List returns the most recent records, newest first
func (s *SQLiteStore) List(limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows := []recordRow{}
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM history ORDER BY created_at DESC, id DESC LIMIT ?`,
		normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return toRecords(rows), nil
}

// ListByJob returns the most recent records of a job, newest first.
// Returns ErrNotFound if the job has no records.
func (s *SQLiteStore) ListByJob(jobID string, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows := []recordRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM history WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, jobID, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history of job %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return toRecords(rows), nil
}

// Cleanup removes records older than the given age, returns number of removed records
func (s *SQLiteStore) Cleanup(olderThan time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get cleanup result: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func normLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}

func toRecords(rows []recordRow) []Record {
	res := make([]Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.record())
	}
	return res
}
