// Package worker runs the conversion pipeline: claim a queue delivery,
// acquire the job lease, transcode, upload, mark completed, and post the
// caller's status webhook. Workers hold at most one job at a time and
// renew their lease while the job is in flight.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"soundpress/internal/config"
	"soundpress/internal/delivery"
	"soundpress/internal/logging"
	"soundpress/internal/notify"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/workqueue"
)

// Transcoder converts a source file into the output artifact, returning the
// artifact path and the number of attempts consumed.
type Transcoder interface {
	Run(ctx context.Context, jobID, inputPath string) (string, int, error)
}

// Uploader delivers the artifact to the caller's destination.
type Uploader interface {
	Upload(ctx context.Context, jobID, artifactPath string, dest registry.Endpoint) (int, error)
}

// StatusNotifier posts terminal status to the caller's callback.
type StatusNotifier interface {
	Notify(ctx context.Context, callback registry.Endpoint, payload delivery.StatusPayload) (int, error)
}

// Config sizes the pool and sets its cadences. Visibility must exceed the
// sum of the stage budgets so a live worker never loses its claim mid-job.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	ErrorRetryInterval time.Duration
	LeaseRenewInterval time.Duration
	Visibility         time.Duration
}

// Pool drives a fixed set of workers over the shared queue.
type Pool struct {
	cfg        Config
	store      *registry.Store
	queue      *workqueue.Queue
	workspace  *storage.Workspace
	transcoder Transcoder
	uploader   Uploader
	status     StatusNotifier
	notifier   notify.Service
	logger     *slog.Logger

	wg    sync.WaitGroup
	alive atomic.Int32
}

// NewPool constructs a worker pool. All collaborators are required except
// notifier, which falls back to a noop service.
func NewPool(
	cfg Config,
	store *registry.Store,
	queue *workqueue.Queue,
	workspace *storage.Workspace,
	transcoder Transcoder,
	uploader Uploader,
	status StatusNotifier,
	notifier notify.Service,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ErrorRetryInterval <= 0 {
		cfg.ErrorRetryInterval = 5 * time.Second
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.NewService(config.Notifications{})
	}
	return &Pool{
		cfg:        cfg,
		store:      store,
		queue:      queue,
		workspace:  workspace,
		transcoder: transcoder,
		uploader:   uploader,
		status:     status,
		notifier:   notifier,
		logger:     logging.NewComponentLogger(logger, "worker"),
	}
}

// Start launches the workers. They run until ctx is cancelled; Wait blocks
// until all of them have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		p.alive.Add(1)
		go func(id int) {
			defer p.wg.Done()
			defer p.alive.Add(-1)
			p.runWorker(ctx, id)
		}(i + 1)
	}
}

// Alive reports how many worker goroutines are currently running. Zero
// means the pool has not started or has drained; the health endpoint treats
// that as degraded.
func (p *Pool) Alive() int {
	return int(p.alive.Load())
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(logging.Int(logging.FieldWorker, id))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.queue.Dequeue(ctx, uuid.NewString())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", logging.Error(err))
			if !sleepCtx(ctx, p.cfg.ErrorRetryInterval) {
				return
			}
			continue
		}
		if item == nil {
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.handle(ctx, logger, item)
	}
}

// sleepCtx waits for d or until ctx ends, reporting whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
