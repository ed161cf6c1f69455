package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `job_id, status, created_at, started_at, completed_at, updated_at,
    error_message, source_name, input_path, output_path,
    destination_url, destination_token, callback_url, callback_token,
    transcode_attempts, upload_attempts, webhook_attempts, readmissions,
    lease_token, lease_expiry`

// Create inserts a new job record with status queued. Creation is atomic:
// if a record with the same identifier already exists, the existing record
// is returned unchanged and existed is true. This is the idempotency
// contract for resubmissions.
func (s *Store) Create(ctx context.Context, job *Job) (*Job, bool, error) {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return nil, false, errors.New("job id is required")
	}
	now := time.Now().UTC()

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            job_id, status, created_at, updated_at, source_name, input_path,
            destination_url, destination_token, callback_url, callback_token
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id) DO NOTHING`,
		job.ID,
		StatusQueued,
		formatTime(now),
		formatTime(now),
		job.SourceName,
		job.InputPath,
		job.Destination.URL,
		job.Destination.Token,
		job.Callback.URL,
		job.Callback.Token,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.GetByID(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 0, nil
}

// GetByID fetches a single job record.
func (s *Store) GetByID(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// List returns jobs, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListWithExpiredLease returns non-terminal jobs whose lease lapsed before now.
func (s *Store) ListWithExpiredLease(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND lease_token != '' AND lease_expiry IS NOT NULL AND lease_expiry < ?`,
		StatusProcessing,
		StatusUploading,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListStaleQueued returns queued jobs untouched since the cutoff. These are
// re-enqueue candidates: a crash between record creation and enqueue leaves
// a queued job with no queue entry.
func (s *Store) ListStaleQueued(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at < ?`,
		StatusQueued,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale queued: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListTerminalBefore returns terminal jobs completed before the cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted,
		StatusFailed,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job record permanently.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		leaseExpiry sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
		&job.Error,
		&job.SourceName,
		&job.InputPath,
		&job.OutputPath,
		&job.Destination.URL,
		&job.Destination.Token,
		&job.Callback.URL,
		&job.Callback.Token,
		&job.Attempts.Transcode,
		&job.Attempts.Upload,
		&job.Attempts.Webhook,
		&job.Readmissions,
		&job.LeaseToken,
		&leaseExpiry,
	); err != nil {
		return nil, err
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if job.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if job.LeaseExpiry, err = parseTimePtr(leaseExpiry); err != nil {
		return nil, fmt.Errorf("parse lease_expiry: %w", err)
	}
	return &job, nil
}
