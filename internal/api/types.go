// Package api exposes the daemon's HTTP surface: job submission, job
// status, and health. Responses never include destination or callback
// credentials.
package api

import (
	"time"

	"soundpress/internal/registry"
)

// JobResponse is the caller-facing projection of a job record.
type JobResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// HealthResponse reports daemon liveness and capacity.
type HealthResponse struct {
	Status     string         `json:"status"`
	Registry   string         `json:"registry"`
	Workers    string         `json:"workers"`
	QueueDepth int            `json:"queue_depth"`
	FreeBytes  uint64         `json:"free_bytes"`
	Jobs       map[string]int `json:"jobs"`
}

// JobListResponse wraps the job listing.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ClearResponse reports how many records a clear removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is the body for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromJob builds the caller-facing projection, dropping endpoint URLs and
// tokens along with internal lease state.
func FromJob(job *registry.Job) JobResponse {
	return JobResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
}
