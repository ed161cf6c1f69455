package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"soundpress/internal/delivery"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
	"soundpress/internal/workqueue"
)

// handle processes one queue delivery end to end. Losing the lease at any
// point abandons the job without marking it failed; redelivery or the
// sweeper picks it back up.
func (p *Pool) handle(ctx context.Context, logger *slog.Logger, item *workqueue.Delivery) {
	logger = logger.With(logging.String(logging.FieldJobID, item.JobID))

	token := uuid.NewString()
	acquired, err := p.store.AcquireLease(ctx, item.JobID, token, time.Now().Add(p.cfg.Visibility))
	if err != nil {
		logger.Error("lease acquisition failed", logging.Error(err))
		return
	}
	if !acquired {
		// Terminal job or a live lease elsewhere. The entry is stale either
		// way, so retire it.
		p.ack(ctx, logger, item)
		return
	}

	job, err := p.store.GetByID(ctx, item.JobID)
	if err != nil {
		logger.Error("load job after lease", logging.Error(err))
		return
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLease(renewCtx, logger, job.ID, token)

	logger.Info("processing job",
		logging.String("source", job.SourceName),
		logging.Int("delivery", item.Deliveries),
	)

	attempts := job.Attempts

	artifactPath, n, err := p.transcoder.Run(ctx, job.ID, job.InputPath)
	attempts.Transcode += n
	p.recordAttempts(ctx, logger, job.ID, token, attempts)
	if err != nil {
		p.finish(ctx, logger, job, token, item, fmt.Errorf("transcode: %w", err))
		return
	}

	artifactPath, err = p.renameArtifact(artifactPath, job.SourceName)
	if err != nil {
		p.finish(ctx, logger, job, token, item, fmt.Errorf("stage artifact: %w", err))
		return
	}

	ok, err := p.store.MarkUploading(ctx, job.ID, token, artifactPath)
	if err != nil || !ok {
		p.abandon(logger, job.ID, err)
		return
	}

	n, err = p.uploader.Upload(ctx, job.ID, artifactPath, job.Destination)
	attempts.Upload += n
	p.recordAttempts(ctx, logger, job.ID, token, attempts)
	if err != nil {
		p.finish(ctx, logger, job, token, item, fmt.Errorf("upload: %w", err))
		return
	}

	ok, err = p.store.MarkCompleted(ctx, job.ID, token)
	if err != nil || !ok {
		p.abandon(logger, job.ID, err)
		return
	}

	now := time.Now().UTC()
	n = p.postStatus(ctx, logger, job, delivery.StatusPayload{
		JobID:       job.ID,
		Status:      string(registry.StatusCompleted),
		CompletedAt: &now,
	})
	if n > 0 {
		attempts.Webhook += n
		p.recordWebhookAttempts(ctx, logger, job.ID, attempts.Webhook)
	}

	p.ack(ctx, logger, item)
	p.cleanup(logger, job.ID)
	if err := p.notifier.NotifyJobCompleted(ctx, job.ID, job.SourceName); err != nil {
		logger.Warn("operator notification failed", logging.Error(err))
	}
	logger.Info("job completed",
		logging.Int("transcode_attempts", attempts.Transcode),
		logging.Int("upload_attempts", attempts.Upload),
	)
}

// finish handles a stage failure. Parent cancellation abandons the job so
// the lease can expire and the sweeper can re-admit it; a genuine stage
// failure marks the job failed, notifies the callback, and retires the
// queue entry.
func (p *Pool) finish(ctx context.Context, logger *slog.Logger, job *registry.Job, token string, item *workqueue.Delivery, cause error) {
	if ctx.Err() != nil {
		logger.Info("job interrupted by shutdown")
		return
	}

	logger.Error("job failed", logging.Error(cause))

	marked, err := p.store.MarkFailed(ctx, job.ID, token, cause.Error())
	if err != nil || !marked {
		p.abandon(logger, job.ID, err)
		return
	}

	now := time.Now().UTC()
	n := p.postStatus(ctx, logger, job, delivery.StatusPayload{
		JobID:       job.ID,
		Status:      string(registry.StatusFailed),
		CompletedAt: &now,
		Error:       cause.Error(),
	})
	if n > 0 {
		p.recordWebhookAttempts(ctx, logger, job.ID, job.Attempts.Webhook+n)
	}

	// The working directory is kept so the job can be retried from its
	// original input; the retention sweep reclaims it.
	p.ack(ctx, logger, item)
	if err := p.notifier.NotifyJobFailed(ctx, job.ID, cause.Error()); err != nil {
		logger.Warn("operator notification failed", logging.Error(err))
	}
}

// postStatus delivers the terminal webhook when the caller asked for one.
// Webhook failure never alters job state; it is logged and the attempt
// count is surfaced for the registry record.
func (p *Pool) postStatus(ctx context.Context, logger *slog.Logger, job *registry.Job, payload delivery.StatusPayload) int {
	if !job.HasCallback() {
		return 0
	}
	n, err := p.status.Notify(ctx, job.Callback, payload)
	if err != nil {
		logger.Warn("status webhook undeliverable",
			logging.Int(logging.FieldAttempt, n),
			logging.Error(err),
		)
	}
	return n
}

// renewLease keeps the job's lease ahead of the visibility horizon while
// the stages run. A lost lease means another actor took the job; renewal
// stops and the in-flight stages are left to fail their fenced writes.
func (p *Pool) renewLease(ctx context.Context, logger *slog.Logger, jobID, token string) {
	ticker := time.NewTicker(p.cfg.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.RenewLease(ctx, jobID, token, time.Now().Add(p.cfg.Visibility))
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("lease renewal failed", logging.Error(err))
				}
				continue
			}
			if !ok {
				logger.Warn("lease lost during processing")
				return
			}
		}
	}
}

// renameArtifact moves the fixed-name transcode output to a name derived
// from the submitted source so the delivered object is recognizable.
func (p *Pool) renameArtifact(artifactPath, sourceName string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	if base == "" || base == "." {
		return artifactPath, nil
	}
	target := filepath.Join(filepath.Dir(artifactPath), base+".mp3")
	if target == artifactPath {
		return artifactPath, nil
	}
	if err := os.Rename(artifactPath, target); err != nil {
		return "", err
	}
	return target, nil
}

func (p *Pool) recordAttempts(ctx context.Context, logger *slog.Logger, jobID, token string, attempts registry.Attempts) {
	if err := p.store.RecordAttempts(ctx, jobID, token, attempts); err != nil {
		logger.Warn("record attempts failed", logging.Error(err))
	}
}

// recordWebhookAttempts runs after the terminal transition cleared the
// lease, so it uses the unfenced counter write.
func (p *Pool) recordWebhookAttempts(ctx context.Context, logger *slog.Logger, jobID string, count int) {
	if err := p.store.RecordWebhookAttempts(ctx, jobID, count); err != nil {
		logger.Warn("record webhook attempts failed", logging.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, item *workqueue.Delivery) {
	if err := p.queue.Ack(ctx, item.ItemID, item.ClaimToken); err != nil {
		logger.Warn("ack failed", logging.Error(err))
	}
}

func (p *Pool) abandon(logger *slog.Logger, jobID string, err error) {
	if err != nil {
		logger.Error("registry write failed, abandoning job", logging.Error(err))
		return
	}
	logger.Warn("lease no longer held, abandoning job")
}

func (p *Pool) cleanup(logger *slog.Logger, jobID string) {
	if err := p.workspace.RemoveJobDir(jobID); err != nil {
		logger.Warn("remove job directory failed", logging.Error(err))
	}
}
