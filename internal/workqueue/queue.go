package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"soundpress/internal/registry"
)

// Delivery is one claimed queue entry. Deliveries counts how many times the
// entry has been handed to a worker, including this one.
type Delivery struct {
	ItemID     int64
	JobID      string
	ClaimToken string
	Deliveries int
}

// Queue is the SQLite-backed work queue. It shares the registry's database
// file so a single daemon has one durable store to back up.
type Queue struct {
	db         *sql.DB
	visibility time.Duration
}

// New constructs a queue over the registry's database with the configured
// visibility timeout.
func New(store *registry.Store, visibility time.Duration) *Queue {
	return &Queue{db: store.DB(), visibility: visibility}
}

// Enqueue appends a job reference. Duplicate references for the same job
// are permitted; delivery is at-least-once and lease acquisition on the
// registry deduplicates execution.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("job id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(
		ctx,
		`INSERT INTO work_items (job_id, enqueued_at, available_at) VALUES (?, ?, ?)`,
		jobID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue claims the oldest deliverable entry for the caller, stamping it
// with claimToken and a visibility window. Returns nil when the queue has
// nothing deliverable. The claim is a compare-and-set: losing a race with
// another worker yields a retry on the next candidate, never a double claim.
func (q *Queue) Dequeue(ctx context.Context, claimToken string) (*Delivery, error) {
	if strings.TrimSpace(claimToken) == "" {
		return nil, errors.New("claim token is required")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UTC()
		nowStr := now.Format(time.RFC3339Nano)

		var (
			itemID     int64
			jobID      string
			deliveries int
		)
		err := q.db.QueryRowContext(
			ctx,
			`SELECT id, job_id, deliveries FROM work_items
             WHERE available_at <= ? AND (claim_expiry IS NULL OR claim_expiry < ?)
             ORDER BY id LIMIT 1`,
			nowStr,
			nowStr,
		).Scan(&itemID, &jobID, &deliveries)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select work item: %w", err)
		}

		res, err := q.db.ExecContext(
			ctx,
			`UPDATE work_items
             SET claim_token = ?, claim_expiry = ?, deliveries = deliveries + 1
             WHERE id = ? AND (claim_expiry IS NULL OR claim_expiry < ?)`,
			claimToken,
			now.Add(q.visibility).Format(time.RFC3339Nano),
			itemID,
			nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("claim work item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return &Delivery{ItemID: itemID, JobID: jobID, ClaimToken: claimToken, Deliveries: deliveries + 1}, nil
		}
		// Lost the claim race; try the next candidate.
	}
}

// Ack permanently removes a claimed entry. It is fenced on the claim token
// so a worker whose claim already expired cannot remove an entry another
// worker is processing.
func (q *Queue) Ack(ctx context.Context, itemID int64, claimToken string) error {
	res, err := q.db.ExecContext(
		ctx,
		`DELETE FROM work_items WHERE id = ? AND claim_token = ?`,
		itemID,
		claimToken,
	)
	if err != nil {
		return fmt.Errorf("ack work item %d: %w", itemID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("ack work item %d: claim no longer held", itemID)
	}
	return nil
}

// Release makes a claimed entry immediately deliverable again. Used when a
// worker claims an entry but cannot acquire the job lease.
func (q *Queue) Release(ctx context.Context, itemID int64, claimToken string) error {
	_, err := q.db.ExecContext(
		ctx,
		`UPDATE work_items SET claim_token = '', claim_expiry = NULL WHERE id = ? AND claim_token = ?`,
		itemID,
		claimToken,
	)
	if err != nil {
		return fmt.Errorf("release work item %d: %w", itemID, err)
	}
	return nil
}

// Remove drops every queue entry for a job, claimed or not. Used by the
// sweeper when a job is forced terminal.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM work_items WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("remove work items for %s: %w", jobID, err)
	}
	return nil
}

// HasEntry reports whether any queue entry exists for the job.
func (q *Queue) HasEntry(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_items WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count work items for %s: %w", jobID, err)
	}
	return count > 0, nil
}

// Depth returns the number of entries awaiting delivery or in flight.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_items`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
