package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"soundpress/internal/admission"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
)

// fieldLimit caps each non-file multipart field. Endpoint URLs and tokens
// are small; anything larger is hostile.
const fieldLimit = 8 * 1024

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodDelete:
		s.handleClearJobs(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		s.writeError(w, http.StatusBadRequest, "request must be multipart/form-data")
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	// Form fields must precede the file part so the source can stream to
	// disk without buffering the payload.
	req := admission.Request{DeclaredSize: r.ContentLength}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "missing file part")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		if part.FormName() == "file" {
			req.SourceName = part.FileName()
			job, existed, err := s.admit.Submit(r.Context(), req, part)
			part.Close()
			if err != nil {
				s.writeAdmissionError(w, err)
				return
			}
			status := http.StatusAccepted
			if existed {
				status = http.StatusOK
			}
			s.writeJSON(w, status, FromJob(job))
			return
		}

		value, err := readField(part)
		part.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "form field too large")
			return
		}
		switch part.FormName() {
		case "job_id":
			req.JobID = value
		case "output_url":
			req.Destination.URL = value
		case "output_auth_token":
			req.Destination.Token = value
		case "callback_url":
			req.Callback.URL = value
		case "callback_auth_token":
			req.Callback.Token = value
		}
	}
}

// handleListJobs returns all jobs, optionally filtered by status
// (repeatable ?status= query parameter), newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatusFilter(r.URL.Query()["status"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.store.List(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list jobs", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, FromJob(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleClearJobs removes terminal job records, their queue entries, and
// their working directories. Only completed and failed jobs are eligible;
// the ?status= filter narrows the sweep to one of them.
func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	statuses := []registry.Status{registry.StatusCompleted, registry.StatusFailed}
	switch filter := r.URL.Query().Get("status"); filter {
	case "":
	case string(registry.StatusCompleted):
		statuses = []registry.Status{registry.StatusCompleted}
	case string(registry.StatusFailed):
		statuses = []registry.Status{registry.StatusFailed}
	default:
		s.writeError(w, http.StatusBadRequest, "only completed or failed jobs can be cleared")
		return
	}

	jobs, err := s.store.List(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list jobs for clear", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}

	removed := 0
	for _, job := range jobs {
		if err := s.queue.Remove(r.Context(), job.ID); err != nil {
			s.logger.Warn("drop queue entries", logging.Error(err))
		}
		if err := s.workspace.RemoveJobDir(job.ID); err != nil {
			s.logger.Warn("remove job directory", logging.Error(err))
		}
		if err := s.store.Delete(r.Context(), job.ID); err != nil {
			s.logger.Error("delete job record", logging.Error(err))
			continue
		}
		removed++
	}
	s.writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

// handleRetryJob returns a failed job to the queue for another run. The
// original input must still be on disk; once the retention sweep has
// reclaimed it the job is gone for good.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.store.GetByID(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}

	if job.Status != registry.StatusFailed {
		s.writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	if _, err := os.Stat(job.InputPath); err != nil {
		s.writeError(w, http.StatusGone, "job input no longer available")
		return
	}

	reset, err := s.store.ResetForRetry(r.Context(), jobID)
	if err != nil {
		s.logger.Error("reset job for retry", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	if !reset {
		s.writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	if err := s.queue.Enqueue(r.Context(), jobID); err != nil {
		// The record is queued; the sweeper's stale-queued pass recovers it.
		s.logger.Warn("enqueue retried job", logging.Error(err))
	}

	job, err = s.store.GetByID(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job after retry", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, FromJob(job))
}

func parseStatusFilter(values []string) ([]registry.Status, error) {
	var statuses []registry.Status
	for _, value := range values {
		status := registry.Status(strings.TrimSpace(value))
		switch status {
		case registry.StatusQueued, registry.StatusProcessing,
			registry.StatusUploading, registry.StatusCompleted, registry.StatusFailed:
			statuses = append(statuses, status)
		default:
			return nil, fmt.Errorf("unknown status %q", value)
		}
	}
	return statuses, nil
}

// writeAdmissionError maps admission rejections onto HTTP status codes.
func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, admission.ErrUnsafeURL):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, admission.ErrNoCapacity):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, admission.ErrMalformed):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrMismatch):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("submission failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id, ok := strings.CutSuffix(jobID, "/retry"); ok {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRetryJob(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if jobID == "" || strings.Contains(jobID, "/") {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := s.store.GetByID(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, FromJob(job))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{Status: "ok", Registry: "ok", Workers: "ok"}
	if s.workers == nil || s.workers.Alive() == 0 {
		resp.Status = "degraded"
		resp.Workers = "down"
	}

	summary, err := s.store.Health(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Registry = "error"
	} else {
		resp.Jobs = map[string]int{
			string(registry.StatusQueued):     summary.Queued,
			string(registry.StatusProcessing): summary.Processing,
			string(registry.StatusUploading):  summary.Uploading,
			string(registry.StatusCompleted):  summary.Completed,
			string(registry.StatusFailed):     summary.Failed,
		}
	}

	if depth, err := s.queue.Depth(r.Context()); err == nil {
		resp.QueueDepth = depth
	}
	if free, err := s.workspace.FreeBytes(); err == nil {
		resp.FreeBytes = free
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func readField(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, fieldLimit+1))
	if err != nil {
		return "", err
	}
	if len(data) > fieldLimit {
		return "", errors.New("field too large")
	}
	return strings.TrimSpace(string(data)), nil
}
