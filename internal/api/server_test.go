package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"soundpress/internal/admission"
	"soundpress/internal/api"
	"soundpress/internal/config"
	"soundpress/internal/egress"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
	"soundpress/internal/storage"
	"soundpress/internal/testsupport"
	"soundpress/internal/workqueue"
)

// stubWorkers satisfies the worker-liveness probe with a fixed count.
type stubWorkers struct{ n int }

func (s stubWorkers) Alive() int { return s.n }

type harness struct {
	handler   http.Handler
	store     *registry.Store
	queue     *workqueue.Queue
	workspace *storage.Workspace
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := workqueue.New(store, time.Hour)
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	validator := egress.New(config.Egress{AllowHTTP: true, AllowPrivateIPs: true})
	admit := admission.NewController(store, queue, workspace, validator, nil, 1<<20, 0, logging.NewNop())

	server := api.NewServer("127.0.0.1:0", token, admit, store, queue, workspace, stubWorkers{n: 1}, logging.NewNop())
	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	return &harness{handler: server.Handler(), store: store, queue: queue, workspace: workspace}
}

func multipartSubmission(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("WriteField %s: %v", name, err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestSubmitJobEndpoint(t *testing.T) {
	h := newHarness(t, "")
	body, contentType := multipartSubmission(t, map[string]string{
		"job_id":            "job-1",
		"output_url":        "https://storage.example.com/bucket",
		"output_auth_token": "secret",
	}, "talk.mp4", []byte("media"))

	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp api.JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "job-1" || resp.Status != "queued" {
		t.Fatalf("resp = %+v", resp)
	}

	// Resubmission returns the existing record with 200.
	body, contentType = multipartSubmission(t, map[string]string{
		"job_id":            "job-1",
		"output_url":        "https://storage.example.com/bucket",
		"output_auth_token": "secret",
	}, "talk.mp4", []byte("media"))
	req = httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resubmission status = %d, want 200", rec.Code)
	}
}

func TestSubmitJobRejectsUnsafeDestination(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := workqueue.New(store, time.Hour)
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	admit := admission.NewController(store, queue, workspace, egress.New(config.Egress{}), nil, 1<<20, 0, logging.NewNop())
	server := api.NewServer("127.0.0.1:0", "", admit, store, queue, workspace, stubWorkers{n: 1}, logging.NewNop())

	body, contentType := multipartSubmission(t, map[string]string{
		"output_url": "https://169.254.169.254/latest/meta-data",
	}, "talk.mp4", []byte("media"))
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitJobRejectsOversizePayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := workqueue.New(store, time.Hour)
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	validator := egress.New(config.Egress{AllowHTTP: true, AllowPrivateIPs: true})
	admit := admission.NewController(store, queue, workspace, validator, nil, 16, 0, logging.NewNop())
	server := api.NewServer("127.0.0.1:0", "", admit, store, queue, workspace, stubWorkers{n: 1}, logging.NewNop())

	body, contentType := multipartSubmission(t, map[string]string{
		"output_url": "https://storage.example.com/bucket",
	}, "talk.mp4", bytes.Repeat([]byte("x"), 64))
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rec.Code, rec.Body.String())
	}
}

func TestJobStatusEndpointOmitsCredentials(t *testing.T) {
	h := newHarness(t, "")
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	raw, _ := io.ReadAll(rec.Body)
	if bytes.Contains(raw, []byte("dest-token")) || bytes.Contains(raw, []byte("storage.example.com")) {
		t.Fatalf("response leaks endpoint details: %s", raw)
	}
	var resp api.JobResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "job-1" || resp.Status != "queued" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	h := newHarness(t, "")
	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	h := newHarness(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/jobs/any", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/any", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/any", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("good token: status = %d, want 404", rec.Code)
	}

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", rec.Code)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")
	testsupport.NewJob(t, h.store, "job-2", "/work/job-2/input.mp4")
	failJob(t, h.store, "job-2")

	req := httptest.NewRequest(http.MethodGet, "/jobs?status=failed", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.JobListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].JobID != "job-2" {
		t.Fatalf("jobs = %+v, want only job-2", resp.Jobs)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs?status=bogus", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus filter status = %d, want 400", rec.Code)
	}
}

func TestRetryJobEndpoint(t *testing.T) {
	h := newHarness(t, "")
	dir, err := h.workspace.CreateJobDir("job-1")
	if err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	inputPath := filepath.Join(dir, "input.mp4")
	if err := os.WriteFile(inputPath, []byte("media"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	testsupport.NewJob(t, h.store, "job-1", inputPath)
	failJob(t, h.store, "job-1")

	req := httptest.NewRequest(http.MethodPost, "/jobs/job-1/retry", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "queued" || resp.Error != "" {
		t.Fatalf("resp = %+v, want clean queued job", resp)
	}
	depth, _ := h.queue.Depth(req.Context())
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	// A second retry is a conflict: the job is no longer failed.
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/job-1/retry", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry of queued job status = %d, want 409", rec.Code)
	}
}

func TestRetryJobGoneWhenInputReclaimed(t *testing.T) {
	h := newHarness(t, "")
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")
	failJob(t, h.store, "job-1")

	req := httptest.NewRequest(http.MethodPost, "/jobs/job-1/retry", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
}

func TestClearJobsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")
	testsupport.NewJob(t, h.store, "job-2", "/work/job-2/input.mp4")
	failJob(t, h.store, "job-2")

	req := httptest.NewRequest(http.MethodDelete, "/jobs?status=failed", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.ClearResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Removed != 1 {
		t.Fatalf("removed = %d, want 1", resp.Removed)
	}
	if _, err := h.store.GetByID(req.Context(), "job-1"); err != nil {
		t.Fatalf("queued job was cleared: %v", err)
	}

	// Non-terminal statuses cannot be cleared.
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs?status=queued", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("clear queued status = %d, want 400", rec.Code)
	}
}

// failJob drives a job to failed through the lease transitions.
func failJob(t *testing.T, store *registry.Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	if ok, err := store.AcquireLease(ctx, jobID, "w", time.Now().Add(time.Hour)); err != nil || !ok {
		t.Fatalf("AcquireLease: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkFailed(ctx, jobID, "w", "transcode: boom"); err != nil || !ok {
		t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, "")
	testsupport.NewJob(t, h.store, "job-1", "/work/job-1/input.mp4")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Workers != "ok" || resp.Jobs["queued"] != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHealthDegradedWithoutWorkers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := workqueue.New(store, time.Hour)
	workspace, err := storage.New(cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	validator := egress.New(config.Egress{AllowHTTP: true, AllowPrivateIPs: true})
	admit := admission.NewController(store, queue, workspace, validator, nil, 1<<20, 0, logging.NewNop())
	server := api.NewServer("127.0.0.1:0", "", admit, store, queue, workspace, stubWorkers{n: 0}, logging.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Workers != "down" {
		t.Fatalf("resp = %+v, want degraded with down workers", resp)
	}
}
