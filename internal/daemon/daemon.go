// Package daemon wires the pipeline together and enforces single-instance
// execution.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"soundpress/internal/admission"
	"soundpress/internal/api"
	"soundpress/internal/config"
	"soundpress/internal/delivery"
	"soundpress/internal/egress"
	"soundpress/internal/logging"
	"soundpress/internal/notify"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/sweeper"
	"soundpress/internal/transcode"
	"soundpress/internal/worker"
	"soundpress/internal/workqueue"
)

// Daemon owns every long-running component: the API server, the worker
// pool, and the sweeper.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
	pool      *worker.Pool
	sweep     *sweeper.Sweeper
	server    *api.Server
	notifier  notify.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workers      int
	RegistryPath string
	LockFilePath string
	QueueDepth   int
	Jobs         registry.HealthSummary
}

// New constructs a daemon and its component graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	if err := preflight(cfg); err != nil {
		return nil, err
	}

	store, err := registry.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	queue := workqueue.New(store, cfg.VisibilityTimeout())
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	validator := egress.New(cfg.Egress)
	notifier := notify.NewService(cfg.Notifications)

	transcoder := transcode.NewExecutor(transcode.Config{
		Binary:      cfg.FFmpeg.Binary,
		ProbeBinary: cfg.FFmpeg.ProbeBinary,
		SoftBudget:  time.Duration(cfg.Budgets.TranscodeSoftTimeout) * time.Second,
		HardBudget:  time.Duration(cfg.Budgets.TranscodeHardTimeout) * time.Second,
		MaxAttempts: cfg.Retries.TranscodeMaxAttempts,
		BackoffBase: time.Duration(cfg.Retries.TranscodeBackoffBase * float64(time.Second)),
	}, logger)

	uploader := delivery.NewUploader(validator, delivery.UploaderConfig{
		Timeout:     time.Duration(cfg.Budgets.UploadTimeout) * time.Second,
		MaxAttempts: cfg.Retries.UploadMaxAttempts,
		BackoffBase: time.Duration(cfg.Retries.UploadBackoffBase * float64(time.Second)),
	}, logger)

	webhook := delivery.NewNotifier(validator, delivery.NotifierConfig{
		Timeout:     time.Duration(cfg.Budgets.WebhookTimeout) * time.Second,
		MaxAttempts: cfg.Retries.WebhookMaxAttempts,
		BackoffBase: time.Duration(cfg.Retries.WebhookBackoffBase * float64(time.Second)),
	}, logger)

	admit := admission.NewController(
		store, queue, workspace, validator, notifier,
		cfg.MaxUploadBytes(), cfg.MinDiskBytes(), logger,
	)

	pool := worker.NewPool(worker.Config{
		Workers:            cfg.Workers.Count,
		PollInterval:       time.Duration(cfg.Workers.PollInterval) * time.Second,
		ErrorRetryInterval: time.Duration(cfg.Workers.ErrorRetryInterval) * time.Second,
		LeaseRenewInterval: time.Duration(cfg.Workers.LeaseRenewInterval) * time.Second,
		Visibility:         cfg.VisibilityTimeout(),
	}, store, queue, workspace, transcoder, uploader, webhook, notifier, logger)

	sweep := sweeper.New(sweeper.Config{
		Interval:        time.Duration(cfg.Sweeper.Interval) * time.Second,
		RetentionTTL:    time.Duration(cfg.Sweeper.RetentionTTL) * time.Second,
		QueuedGrace:     time.Duration(cfg.Sweeper.QueuedGrace) * time.Second,
		MaxReadmissions: cfg.Sweeper.MaxReadmissions,
	}, store, queue, workspace, webhook, notifier, logger)

	server := api.NewServer(
		cfg.Paths.APIBind, cfg.Paths.APIToken,
		admit, store, queue, workspace, pool, logger,
	)

	lockPath := filepath.Join(cfg.Paths.LogDir, "soundpressd.lock")
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		queue:     queue,
		workspace: workspace,
		pool:      pool,
		sweep:     sweep,
		server:    server,
		notifier:  notifier,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// preflight verifies the external tools and the work volume before any
// component starts.
func preflight(cfg *config.Config) error {
	if _, err := exec.LookPath(cfg.FFmpeg.Binary); err != nil {
		return fmt.Errorf("ffmpeg binary %q not found: %w", cfg.FFmpeg.Binary, err)
	}
	if _, err := exec.LookPath(cfg.FFmpeg.ProbeBinary); err != nil {
		return fmt.Errorf("ffprobe binary %q not found: %w", cfg.FFmpeg.ProbeBinary, err)
	}
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		return fmt.Errorf("work directory: %w", err)
	}
	if err := workspace.ValidateWritable(); err != nil {
		return fmt.Errorf("work directory: %w", err)
	}
	return nil
}

// Start acquires the instance lock and launches every component. It returns
// once startup is complete; the components run until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another soundpress daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Reclaim space from any crash before workers start producing.
	d.sweep.SweepOrphans(runCtx)

	if err := d.server.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	go d.sweep.Run(runCtx)
	d.pool.Start(runCtx)

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.Int("workers", d.cfg.Workers.Count),
		logging.String("lock", d.lockPath),
	)
	if err := d.notifier.NotifyDaemonStarted(runCtx, d.cfg.Workers.Count); err != nil {
		d.logger.Warn("operator notification failed", logging.Error(err))
	}
	return nil
}

// Stop cancels every component, waits for workers to drain, and releases
// the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pool.Wait()
	d.server.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the registry.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status reports runtime information for the CLI and status endpoint.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workers:      d.cfg.Workers.Count,
		RegistryPath: d.store.Path(),
		LockFilePath: d.lockPath,
	}
	if depth, err := d.queue.Depth(ctx); err == nil {
		status.QueueDepth = depth
	}
	if summary, err := d.store.Health(ctx); err == nil {
		status.Jobs = summary
	}
	return status
}
