package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"soundpress/internal/config"
	"soundpress/internal/delivery"
	"soundpress/internal/logging"
	"soundpress/internal/notify"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/testsupport"
	"soundpress/internal/workqueue"
)

type capturedStatus struct {
	payloads []delivery.StatusPayload
}

func (c *capturedStatus) Notify(_ context.Context, _ registry.Endpoint, payload delivery.StatusPayload) (int, error) {
	c.payloads = append(c.payloads, payload)
	return 1, nil
}

type harness struct {
	sweeper   *Sweeper
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
	status    *capturedStatus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	testCfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, testCfg)
	queue := workqueue.New(store, time.Hour)
	workspace, err := storage.New(testCfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	status := &capturedStatus{}
	s := New(cfg, store, queue, workspace, status, notify.NewService(config.Notifications{}), logging.NewNop())
	return &harness{sweeper: s, store: store, queue: queue, workspace: workspace, status: status}
}

func TestSweepRequeuesExpiredLeaseWithBudget(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: time.Hour, QueuedGrace: time.Hour, MaxReadmissions: 1})
	ctx := context.Background()
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	if ok, _ := h.store.AcquireLease(ctx, "job-1", "crashed", time.Now().Add(-time.Minute)); !ok {
		t.Fatal("setup acquire failed")
	}

	h.sweeper.Sweep(ctx)

	job, err := h.store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != registry.StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.Readmissions != 1 {
		t.Fatalf("readmissions = %d, want 1", job.Readmissions)
	}
	has, err := h.queue.HasEntry(ctx, "job-1")
	if err != nil || !has {
		t.Fatalf("queue entry after requeue: has=%v err=%v", has, err)
	}
	if len(h.status.payloads) != 0 {
		t.Fatalf("requeue fired webhooks: %+v", h.status.payloads)
	}
}

func TestSweepForceFailsExhaustedJob(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: time.Hour, QueuedGrace: time.Hour, MaxReadmissions: 0})
	ctx := context.Background()
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	if _, err := h.workspace.CreateJobDir("job-1"); err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	if ok, _ := h.store.AcquireLease(ctx, "job-1", "crashed", time.Now().Add(-time.Minute)); !ok {
		t.Fatal("setup acquire failed")
	}
	if err := h.queue.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.sweeper.Sweep(ctx)

	got, err := h.store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != registry.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("no failure cause recorded")
	}

	has, _ := h.queue.HasEntry(ctx, "job-1")
	if has {
		t.Fatal("queue entries survived force-fail")
	}
	// The input stays on disk so the job remains retryable until the
	// retention sweep reclaims it.
	dirs, _ := h.workspace.ListJobDirs()
	if len(dirs) != 1 {
		t.Fatalf("working directory = %v, want kept for retry", dirs)
	}
}

func TestSweepReEnqueuesStaleQueuedJob(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: time.Hour, QueuedGrace: 0, MaxReadmissions: 1})
	ctx := context.Background()
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	// Created but never enqueued: the crash-between-create-and-enqueue gap.
	h.sweeper.Sweep(ctx)

	has, err := h.queue.HasEntry(ctx, "job-1")
	if err != nil || !has {
		t.Fatalf("stale queued job not re-enqueued: has=%v err=%v", has, err)
	}
}

func TestSweepLeavesBackloggedJobAlone(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: time.Hour, QueuedGrace: 0, MaxReadmissions: 1})
	ctx := context.Background()
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")
	if err := h.queue.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.sweeper.Sweep(ctx)

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1: backlogged jobs must not be duplicated", depth)
	}
}

func TestSweepReapsTerminalRecordsPastTTL(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: 0, QueuedGrace: time.Hour, MaxReadmissions: 1})
	ctx := context.Background()
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	if _, err := h.workspace.CreateJobDir("job-1"); err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	if ok, _ := h.store.AcquireLease(ctx, "job-1", "w", time.Now().Add(time.Hour)); !ok {
		t.Fatal("setup acquire failed")
	}
	if ok, _ := h.store.MarkFailed(ctx, "job-1", "w", "boom"); !ok {
		t.Fatal("setup fail failed")
	}

	h.sweeper.Sweep(ctx)

	if _, err := h.store.GetByID(ctx, "job-1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("record survived reaping: %v", err)
	}
	dirs, _ := h.workspace.ListJobDirs()
	if len(dirs) != 0 {
		t.Fatalf("working directory survived reaping: %v", dirs)
	}
}

func TestSweepOrphansRemovesDirsWithoutRecords(t *testing.T) {
	h := newHarness(t, Config{RetentionTTL: time.Hour, QueuedGrace: time.Hour, MaxReadmissions: 1})
	ctx := context.Background()

	testsupport.NewJob(t, h.store, "live", "/work/live/input.mp4")
	if _, err := h.workspace.CreateJobDir("live"); err != nil {
		t.Fatalf("CreateJobDir live: %v", err)
	}
	if _, err := h.workspace.CreateJobDir("orphan"); err != nil {
		t.Fatalf("CreateJobDir orphan: %v", err)
	}

	h.sweeper.SweepOrphans(ctx)

	dirs, err := h.workspace.ListJobDirs()
	if err != nil {
		t.Fatalf("ListJobDirs: %v", err)
	}
	if len(dirs) != 1 || dirs[0] != "live" {
		t.Fatalf("dirs = %v, want [live]", dirs)
	}
}
