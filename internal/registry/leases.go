package registry

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease attempts to take ownership of a job for processing. It
// succeeds when the job is queued, or when a previous holder's lease has
// already lapsed (a crashed worker's job being redelivered). On success the
// job is in processing with started_at set and the caller holds the lease.
// The update is a single compare-and-set statement: two workers can never
// both believe they hold the lease.
func (s *Store) AcquireLease(ctx context.Context, jobID, token string, expiry time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, lease_token = ?, lease_expiry = ?,
             started_at = COALESCE(started_at, ?), error_message = '', updated_at = ?
         WHERE job_id = ?
           AND (status = ?
                OR (status IN (?, ?) AND (lease_expiry IS NULL OR lease_expiry < ?)))`,
		StatusProcessing,
		token,
		formatTime(expiry),
		formatTime(now),
		formatTime(now),
		jobID,
		StatusQueued,
		StatusProcessing,
		StatusUploading,
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RenewLease extends the lease expiry. It fails when the caller no longer
// holds the lease, in which case the worker must abandon the job.
func (s *Store) RenewLease(ctx context.Context, jobID, token string, expiry time.Time) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET lease_expiry = ?, updated_at = ?
         WHERE job_id = ? AND lease_token = ?`,
		formatTime(expiry),
		formatTime(time.Now().UTC()),
		jobID,
		token,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkUploading transitions processing -> uploading once the transcode
// produced an artifact. Guarded by both the lease token and the source
// status so the transition can never skip or regress.
func (s *Store) MarkUploading(ctx context.Context, jobID, token, outputPath string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, output_path = ?, updated_at = ?
         WHERE job_id = ? AND lease_token = ? AND status = ?`,
		StatusUploading,
		outputPath,
		formatTime(time.Now().UTC()),
		jobID,
		token,
		StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark uploading: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCompleted transitions uploading -> completed and releases the lease.
func (s *Store) MarkCompleted(ctx context.Context, jobID, token string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, completed_at = ?, lease_token = '', lease_expiry = NULL, updated_at = ?
         WHERE job_id = ? AND lease_token = ? AND status = ?`,
		StatusCompleted,
		formatTime(now),
		formatTime(now),
		jobID,
		token,
		StatusUploading,
	)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkFailed transitions any non-terminal state -> failed with a recorded
// cause and releases the lease. The cause must never contain credentials.
func (s *Store) MarkFailed(ctx context.Context, jobID, token, cause string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, completed_at = ?,
             lease_token = '', lease_expiry = NULL, updated_at = ?
         WHERE job_id = ? AND lease_token = ? AND status IN (?, ?, ?)`,
		StatusFailed,
		cause,
		formatTime(now),
		formatTime(now),
		jobID,
		token,
		StatusQueued,
		StatusProcessing,
		StatusUploading,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordAttempts persists the per-stage retry counters under the lease.
func (s *Store) RecordAttempts(ctx context.Context, jobID, token string, attempts Attempts) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET transcode_attempts = ?, upload_attempts = ?, webhook_attempts = ?, updated_at = ?
         WHERE job_id = ? AND lease_token = ?`,
		attempts.Transcode,
		attempts.Upload,
		attempts.Webhook,
		formatTime(time.Now().UTC()),
		jobID,
		token,
	)
	if err != nil {
		return fmt.Errorf("record attempts: %w", err)
	}
	return nil
}

// RecordWebhookAttempts persists the webhook counter without a lease fence.
// The status webhook fires after MarkCompleted/MarkFailed released the
// lease, so this is the one counter written against a terminal record. It
// touches nothing but the counter.
func (s *Store) RecordWebhookAttempts(ctx context.Context, jobID string, count int) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET webhook_attempts = ?, updated_at = ? WHERE job_id = ?`,
		count,
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("record webhook attempts: %w", err)
	}
	return nil
}

// ForceFailExpired is the sweeper's forced transition for a job whose lease
// lapsed without reaching a terminal state. It is conditioned on the lease
// token the sweeper observed, so a live worker that renewed in the meantime
// is never clobbered.
func (s *Store) ForceFailExpired(ctx context.Context, jobID, observedToken, cause string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, completed_at = ?,
             lease_token = '', lease_expiry = NULL, updated_at = ?
         WHERE job_id = ? AND lease_token = ? AND status IN (?, ?)
           AND lease_expiry IS NOT NULL AND lease_expiry < ?`,
		StatusFailed,
		cause,
		formatTime(now),
		formatTime(now),
		jobID,
		observedToken,
		StatusProcessing,
		StatusUploading,
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("force fail expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RequeueExpired returns an expired-lease job to queued for one bounded
// re-admission attempt. Same token fence as ForceFailExpired.
func (s *Store) RequeueExpired(ctx context.Context, jobID, observedToken string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, lease_token = '', lease_expiry = NULL,
             readmissions = readmissions + 1, updated_at = ?
         WHERE job_id = ? AND lease_token = ? AND status IN (?, ?)
           AND lease_expiry IS NOT NULL AND lease_expiry < ?`,
		StatusQueued,
		formatTime(now),
		jobID,
		observedToken,
		StatusProcessing,
		StatusUploading,
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("requeue expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ResetForRetry returns a failed job to queued for another run. The error,
// lease state, stage counters, and readmission budget are all reset so the
// rerun starts from a clean slate. Only failed jobs are eligible.
func (s *Store) ResetForRetry(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = '', started_at = NULL, completed_at = NULL,
             transcode_attempts = 0, upload_attempts = 0, webhook_attempts = 0,
             readmissions = 0, lease_token = '', lease_expiry = NULL, updated_at = ?
         WHERE job_id = ? AND status = ?`,
		StatusQueued,
		formatTime(now),
		jobID,
		StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("reset for retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// TouchQueued refreshes updated_at on a queued job after the sweeper
// re-enqueued it, so the next sweep does not re-enqueue it again within the
// grace window.
func (s *Store) TouchQueued(ctx context.Context, jobID string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET updated_at = ? WHERE job_id = ? AND status = ?`,
		formatTime(time.Now().UTC()),
		jobID,
		StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("touch queued: %w", err)
	}
	return nil
}
