package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the goose migrations for the jobs schema
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const jobColumns = `job_id, job_type, payload, status, attempt, result, error_message, worker_id, created_at, updated_at, last_heartbeat_at`

// Store is a storage.Store backed by a SQL database through sqlx.
// Queries are written with ? placeholders and rebound for the driver in use.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a new Store instance
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type jobRow struct {
	JobID           string         `db:"job_id"`
	JobType         string         `db:"job_type"`
	Payload         string         `db:"payload"`
	Status          string         `db:"status"`
	Attempt         int            `db:"attempt"`
	Result          sql.NullString `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	WorkerID        sql.NullString `db:"worker_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:        r.JobID,
		JobType:   r.JobType,
		Payload:   json.RawMessage(r.Payload),
		State:     domain.State(r.Status),
		Attempt:   r.Attempt,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.Result.Valid {
		job.Result = json.RawMessage(r.Result.String)
	}
	if r.ErrorMessage.Valid {
		job.Error = r.ErrorMessage.String
	}
	if r.WorkerID.Valid {
		job.WorkerID = r.WorkerID.String
	}
	if r.LastHeartbeatAt.Valid {
		hb := r.LastHeartbeatAt.Time.UTC()
		job.HeartbeatAt = &hb
	}
	return job
}

// Create inserts a new PENDING job record
func (s *Store) Create(ctx context.Context, jobType string, payload json.RawMessage) (*domain.Job, error) {
	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Payload:   payload,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := s.db.Rebind(`
		INSERT INTO jobs (job_id, job_type, payload, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query, job.ID, job.JobType, string(payload), string(job.State), now, now)
	if err != nil {
		return nil, domain.NewStorageError("create", fmt.Errorf("failed to insert job: %w", err))
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
	)

	return job.Clone(), nil
}

// Get retrieves a job record by its ID
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStorageError("get", fmt.Errorf("failed to get job: %w", err))
	}

	return row.toDomain(), nil
}

// Transition moves a job from one state to another with a single conditional UPDATE.
// The WHERE clause on status is the compare-and-set: exactly one caller can win a given edge.
func (s *Store) Transition(ctx context.Context, id string, from, to domain.State, change domain.Change) (*domain.Job, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	now := s.now()

	increment := 0
	if change.IncrementAttempt {
		increment = 1
	}

	var result sql.NullString
	if to == domain.StateSucceeded && change.Result != nil {
		result = sql.NullString{String: string(change.Result), Valid: true}
	}

	var errorMessage sql.NullString
	if to == domain.StateFailed || to == domain.StateRetrying {
		errorMessage = sql.NullString{String: change.Error, Valid: change.Error != ""}
	}

	var workerID sql.NullString
	if change.WorkerID != "" {
		workerID = sql.NullString{String: change.WorkerID, Valid: true}
	}

	var heartbeat sql.NullTime
	if to == domain.StateRunning {
		heartbeat = sql.NullTime{Time: now, Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = ?,
		    attempt = attempt + ?,
		    result = ?,
		    error_message = ?,
		    worker_id = COALESCE(?, worker_id),
		    updated_at = ?,
		    last_heartbeat_at = COALESCE(?, last_heartbeat_at)
		WHERE job_id = ?
		  AND status = ?`
	args := []any{string(to), increment, result, errorMessage, workerID, now, heartbeat, id, string(from)}
	if change.ExpectAttempt > 0 {
		query += `
		  AND attempt = ?`
		args = append(args, change.ExpectAttempt)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, domain.NewStorageError("transition", fmt.Errorf("failed to update job status: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, domain.NewStorageError("transition", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rowsAffected == 0 {
		return nil, s.missedTransition(ctx, id, from, to, change.ExpectAttempt)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job state changed",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", job.Attempt),
	)

	return job, nil
}

// missedTransition explains why a conditional update touched no row
func (s *Store) missedTransition(ctx context.Context, id string, from, to domain.State, attempt int) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.State == from && attempt > 0 {
		return fmt.Errorf("%w: job %s is on attempt %d, expected %d", domain.ErrStateConflict, id, current.Attempt, attempt)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s for %s", domain.ErrStateConflict, id, current.State, from, to)
}

// Heartbeat refreshes last_heartbeat_at and updated_at of a running job
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := s.now()
	query := s.db.Rebind(`
		UPDATE jobs
		SET last_heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query, now, now, id, string(domain.StateRunning))
	if err != nil {
		return domain.NewStorageError("heartbeat", fmt.Errorf("failed to update job heartbeat: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("heartbeat", fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is not running", domain.ErrStateConflict, id)
	}

	return nil
}

// ListStale returns jobs in state that were last updated before the given time, oldest first
func (s *Store) ListStale(ctx context.Context, state domain.State, before time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = storage.MaxPageSize
	}

	query := s.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(state), before.UTC(), limit); err != nil {
		return nil, domain.NewStorageError("list_stale", fmt.Errorf("failed to list stale jobs: %w", err))
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs, nil
}

// List returns a page of jobs, newest first, and the cursor of the next page if there is one
func (s *Store) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, *storage.JobCursor, error) {
	var conditions []string
	var args []any

	if filter.JobType != "" {
		conditions = append(conditions, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.State != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.State))
	}
	if filter.Cursor != nil {
		conditions = append(conditions, "(created_at < ? OR (created_at = ? AND job_id < ?))")
		args = append(args, filter.Cursor.CreatedAt.UTC(), filter.Cursor.CreatedAt.UTC(), filter.Cursor.JobID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"

	limit := filter.Limit()
	// one extra row tells whether another page exists
	args = append(args, limit+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, nil, domain.NewStorageError("list", fmt.Errorf("failed to list jobs: %w", err))
	}

	var next *storage.JobCursor
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = &storage.JobCursor{CreatedAt: last.CreatedAt.UTC(), JobID: last.JobID}
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs, next, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}
