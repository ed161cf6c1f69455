// Package admission validates job submissions, materializes the source
// stream to the job's working directory, and performs idempotent job
// creation followed by enqueue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"soundpress/internal/config"
	"soundpress/internal/egress"
	"soundpress/internal/logging"
	"soundpress/internal/notify"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/workqueue"
)

var (
	// ErrTooLarge indicates the source exceeds the configured byte budget.
	ErrTooLarge = errors.New("source exceeds size limit")
	// ErrUnsafeURL indicates the destination or callback failed egress checks.
	ErrUnsafeURL = errors.New("unsafe url")
	// ErrNoCapacity indicates disk headroom is below the configured floor.
	ErrNoCapacity = errors.New("insufficient capacity")
	// ErrMalformed indicates the submission itself is invalid.
	ErrMalformed = errors.New("malformed submission")
	// ErrMismatch indicates a resubmission whose destination or callback
	// differs from the stored job's values.
	ErrMismatch = errors.New("resubmission does not match existing job")
)

const copyChunkSize = 1024 * 1024

// Request describes one submission.
type Request struct {
	JobID        string
	SourceName   string
	DeclaredSize int64
	Destination  registry.Endpoint
	Callback     registry.Endpoint
}

// Controller admits submissions into the registry and work queue.
type Controller struct {
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
	validator *egress.Validator
	notifier  notify.Service
	maxBytes  int64
	minDisk   uint64
	logger    *slog.Logger
}

// NewController constructs an admission controller. A nil notifier falls
// back to the noop service.
func NewController(
	store *registry.Store,
	queue *workqueue.Queue,
	workspace *storage.Workspace,
	validator *egress.Validator,
	notifier notify.Service,
	maxBytes int64,
	minDiskBytes uint64,
	logger *slog.Logger,
) *Controller {
	if notifier == nil {
		notifier = notify.NewService(config.Notifications{})
	}
	return &Controller{
		store:     store,
		queue:     queue,
		workspace: workspace,
		validator: validator,
		notifier:  notifier,
		maxBytes:  maxBytes,
		minDisk:   minDiskBytes,
		logger:    logging.NewComponentLogger(logger, "admission"),
	}
}

// Submit validates the request, streams the source to the job's working
// directory, creates the job record atomically, and enqueues it. When a
// record with the same identifier already exists, the existing record is
// returned with existed=true and no new work is enqueued.
func (c *Controller) Submit(ctx context.Context, req Request, source io.Reader) (*registry.Job, bool, error) {
	if err := c.validateRequest(ctx, &req); err != nil {
		return nil, false, err
	}

	if existing, err := c.store.GetByID(ctx, req.JobID); err == nil {
		if err := matchExisting(existing, req); err != nil {
			return nil, true, err
		}
		return existing, true, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, false, fmt.Errorf("check existing job: %w", err)
	}

	ok, err := c.workspace.HasHeadroom(c.minDisk)
	if err != nil {
		return nil, false, fmt.Errorf("check disk headroom: %w", err)
	}
	if !ok {
		free, freeErr := c.workspace.FreeBytes()
		if freeErr == nil {
			if notifyErr := c.notifier.NotifyCapacityLow(ctx, free); notifyErr != nil {
				c.logger.Warn("operator notification failed", logging.Error(notifyErr))
			}
		}
		return nil, false, ErrNoCapacity
	}

	inputPath, err := c.materialize(req, source)
	if err != nil {
		return nil, false, err
	}

	job := &registry.Job{
		ID:          req.JobID,
		SourceName:  req.SourceName,
		InputPath:   inputPath,
		Destination: req.Destination,
		Callback:    req.Callback,
	}
	stored, existed, err := c.store.Create(ctx, job)
	if err != nil {
		_ = c.workspace.RemoveJobDir(req.JobID)
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if existed {
		// Lost a concurrent-submission race; the winning record owns the
		// working directory, and its contents are the same source bytes.
		if err := matchExisting(stored, req); err != nil {
			return nil, true, err
		}
		return stored, true, nil
	}

	if err := c.queue.Enqueue(ctx, stored.ID); err != nil {
		// The record is durable; the sweeper re-enqueues stale queued jobs
		// after the grace period, so surface success to the caller.
		c.logger.Warn("enqueue failed, sweeper will recover",
			logging.String(logging.FieldJobID, stored.ID),
			logging.Error(err),
		)
	}

	c.logger.Info("job admitted",
		logging.String(logging.FieldJobID, stored.ID),
		logging.String("source", req.SourceName),
	)
	return stored, false, nil
}

func (c *Controller) validateRequest(ctx context.Context, req *Request) error {
	if strings.TrimSpace(req.Destination.URL) == "" {
		return fmt.Errorf("%w: destination url is required", ErrMalformed)
	}

	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	} else if !validJobID(req.JobID) {
		return fmt.Errorf("%w: job id must be 1-128 characters of [A-Za-z0-9._-]", ErrMalformed)
	}

	if c.maxBytes > 0 && req.DeclaredSize > c.maxBytes {
		return fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, req.DeclaredSize, c.maxBytes)
	}

	if err := c.validator.Validate(ctx, req.Destination.URL); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrUnsafeURL, err)
	}
	if strings.TrimSpace(req.Callback.URL) != "" {
		if err := c.validator.Validate(ctx, req.Callback.URL); err != nil {
			return fmt.Errorf("%w: callback: %v", ErrUnsafeURL, err)
		}
	}
	return nil
}

// materialize streams the source into the job directory in fixed-size
// chunks, enforcing the byte budget without ever holding the payload in
// memory.
func (c *Controller) materialize(req Request, source io.Reader) (string, error) {
	dir, err := c.workspace.CreateJobDir(req.JobID)
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(req.SourceName)
	if ext == "" {
		ext = ".bin"
	}
	inputPath := filepath.Join(dir, "input"+ext)

	file, err := os.Create(inputPath)
	if err != nil {
		_ = c.workspace.RemoveJobDir(req.JobID)
		return "", fmt.Errorf("create input file: %w", err)
	}

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			written += int64(n)
			if c.maxBytes > 0 && written > c.maxBytes {
				file.Close()
				_ = c.workspace.RemoveJobDir(req.JobID)
				return "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, c.maxBytes)
			}
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				file.Close()
				_ = c.workspace.RemoveJobDir(req.JobID)
				return "", fmt.Errorf("write input file: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			_ = c.workspace.RemoveJobDir(req.JobID)
			return "", fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := file.Close(); err != nil {
		_ = c.workspace.RemoveJobDir(req.JobID)
		return "", fmt.Errorf("close input file: %w", err)
	}
	return inputPath, nil
}

// matchExisting rejects a resubmission whose destination or callback differ
// from the stored job rather than silently ignoring the new parameters.
func matchExisting(existing *registry.Job, req Request) error {
	if existing.Destination.URL != req.Destination.URL ||
		existing.Callback.URL != req.Callback.URL {
		return ErrMismatch
	}
	return nil
}

func validJobID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
