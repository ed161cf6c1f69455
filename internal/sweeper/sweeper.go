// Package sweeper reconciles registry state that workers can no longer
// advance: expired leases from crashed or wedged workers, queued jobs whose
// queue entry was lost, terminal records past their retention window, and
// orphaned working directories.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"soundpress/internal/delivery"
	"soundpress/internal/logging"
	"soundpress/internal/notify"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/workqueue"
)

const abandonedCause = "processing lease expired; readmission budget exhausted"

// StatusNotifier posts terminal status to the caller's callback.
type StatusNotifier interface {
	Notify(ctx context.Context, callback registry.Endpoint, payload delivery.StatusPayload) (int, error)
}

// Config sets the sweeper's cadence and policy knobs.
type Config struct {
	Interval        time.Duration
	RetentionTTL    time.Duration
	QueuedGrace     time.Duration
	MaxReadmissions int
}

// Sweeper runs periodic reconciliation passes over the registry and queue.
type Sweeper struct {
	cfg       Config
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
	status    StatusNotifier
	notifier  notify.Service
	logger    *slog.Logger
}

// New constructs a sweeper.
func New(
	cfg Config,
	store *registry.Store,
	queue *workqueue.Queue,
	workspace *storage.Workspace,
	status StatusNotifier,
	notifier notify.Service,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		workspace: workspace,
		status:    status,
		notifier:  notifier,
		logger:    logging.NewComponentLogger(logger, "sweeper"),
	}
}

// Run performs an immediate pass, then sweeps on the configured interval
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reclaimExpiredLeases(ctx)
	s.recoverStaleQueued(ctx)
	s.reapExpiredRecords(ctx)
}

// reclaimExpiredLeases handles jobs whose worker stopped renewing: the job
// is re-admitted while it has readmission budget left, and forced failed
// once the budget is spent. Both writes are fenced on the lease token the
// sweeper observed, so a worker that resumes in between keeps its job.
func (s *Sweeper) reclaimExpiredLeases(ctx context.Context) {
	jobs, err := s.store.ListWithExpiredLease(ctx, time.Now())
	if err != nil {
		s.logger.Error("list expired leases", logging.Error(err))
		return
	}

	for _, job := range jobs {
		logger := s.logger.With(logging.String(logging.FieldJobID, job.ID))

		if job.Readmissions < s.cfg.MaxReadmissions {
			requeued, err := s.store.RequeueExpired(ctx, job.ID, job.LeaseToken)
			if err != nil {
				logger.Error("requeue expired job", logging.Error(err))
				continue
			}
			if !requeued {
				continue
			}
			if err := s.queue.Enqueue(ctx, job.ID); err != nil {
				// The record is back in queued; the stale-queued pass
				// re-enqueues it on the next sweep.
				logger.Warn("re-enqueue after lease expiry failed", logging.Error(err))
			}
			logger.Warn("lease expired, job re-admitted",
				logging.Int("readmissions", job.Readmissions+1),
			)
			continue
		}

		failed, err := s.store.ForceFailExpired(ctx, job.ID, job.LeaseToken, abandonedCause)
		if err != nil {
			logger.Error("force-fail expired job", logging.Error(err))
			continue
		}
		if !failed {
			continue
		}
		if err := s.queue.Remove(ctx, job.ID); err != nil {
			logger.Warn("drop queue entries for failed job", logging.Error(err))
		}
		if job.HasCallback() {
			now := time.Now().UTC()
			if _, err := s.status.Notify(ctx, job.Callback, delivery.StatusPayload{
				JobID:       job.ID,
				Status:      string(registry.StatusFailed),
				CompletedAt: &now,
				Error:       abandonedCause,
			}); err != nil {
				logger.Warn("status webhook undeliverable", logging.Error(err))
			}
		}
		// The working directory stays until the retention sweep so the
		// job can still be retried from its original input.
		if err := s.notifier.NotifyJobFailed(ctx, job.ID, abandonedCause); err != nil {
			logger.Warn("operator notification failed", logging.Error(err))
		}
		logger.Error("lease expired past readmission budget, job failed")
	}
}

// recoverStaleQueued repairs the gap between job creation and enqueue: a
// queued record with no live queue entry after the grace period gets a
// fresh entry. Jobs that do have an entry get their grace window refreshed
// so a deep backlog is not mistaken for loss.
func (s *Sweeper) recoverStaleQueued(ctx context.Context) {
	jobs, err := s.store.ListStaleQueued(ctx, time.Now().Add(-s.cfg.QueuedGrace))
	if err != nil {
		s.logger.Error("list stale queued jobs", logging.Error(err))
		return
	}

	for _, job := range jobs {
		logger := s.logger.With(logging.String(logging.FieldJobID, job.ID))

		present, err := s.queue.HasEntry(ctx, job.ID)
		if err != nil {
			logger.Error("check queue entry", logging.Error(err))
			continue
		}
		if !present {
			if err := s.queue.Enqueue(ctx, job.ID); err != nil {
				logger.Error("re-enqueue stale queued job", logging.Error(err))
				continue
			}
			logger.Warn("queued job had no queue entry, re-enqueued")
		}
		if err := s.store.TouchQueued(ctx, job.ID); err != nil {
			logger.Warn("refresh queued grace window", logging.Error(err))
		}
	}
}

// reapExpiredRecords removes terminal jobs past the retention TTL along
// with their working directories and any leftover queue entries.
func (s *Sweeper) reapExpiredRecords(ctx context.Context) {
	jobs, err := s.store.ListTerminalBefore(ctx, time.Now().Add(-s.cfg.RetentionTTL))
	if err != nil {
		s.logger.Error("list expired terminal jobs", logging.Error(err))
		return
	}

	for _, job := range jobs {
		logger := s.logger.With(logging.String(logging.FieldJobID, job.ID))

		if err := s.queue.Remove(ctx, job.ID); err != nil {
			logger.Warn("drop queue entries for reaped job", logging.Error(err))
		}
		if err := s.workspace.RemoveJobDir(job.ID); err != nil {
			logger.Warn("remove job directory failed", logging.Error(err))
		}
		if err := s.store.Delete(ctx, job.ID); err != nil {
			logger.Error("delete expired job record", logging.Error(err))
			continue
		}
		logger.Info("expired job record reaped",
			logging.String("status", string(job.Status)),
		)
	}
}

// SweepOrphans removes working directories with no registry record. Run at
// startup, before workers begin, to reclaim space left by a crash.
func (s *Sweeper) SweepOrphans(ctx context.Context) {
	dirs, err := s.workspace.ListJobDirs()
	if err != nil {
		s.logger.Error("list job directories", logging.Error(err))
		return
	}

	for _, jobID := range dirs {
		if _, err := s.store.GetByID(ctx, jobID); err == nil {
			continue
		} else if !isNotFound(err) {
			s.logger.Error("check registry for directory",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
			)
			continue
		}
		if err := s.workspace.RemoveJobDir(jobID); err != nil {
			s.logger.Warn("remove orphaned directory",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
			)
			continue
		}
		s.logger.Info("orphaned directory removed",
			logging.String(logging.FieldJobID, jobID),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound)
}
