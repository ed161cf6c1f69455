package registry

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusUploading,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Failed is reachable from every non-terminal state;
// nothing leaves a terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusCompleted
	default:
		return false
	}
}

// Endpoint is a caller-supplied URL plus optional bearer credential. The
// credential is persisted only inside the job record and must never appear
// in logs or status responses.
type Endpoint struct {
	URL   string
	Token string
}

// Attempts tracks per-stage retry counters, each independent.
type Attempts struct {
	Transcode int
	Upload    int
	Webhook   int
}

// Job is the persisted job record.
type Job struct {
	ID          string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
	Error       string

	SourceName string
	InputPath  string
	OutputPath string

	Destination Endpoint
	Callback    Endpoint

	Attempts     Attempts
	Readmissions int

	LeaseToken  string
	LeaseExpiry *time.Time
}

// LeaseExpired reports whether the job holds a lease that lapsed before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseToken != "" && j.LeaseExpiry != nil && j.LeaseExpiry.Before(now)
}

// HasCallback reports whether the caller requested a status webhook.
func (j *Job) HasCallback() bool {
	return strings.TrimSpace(j.Callback.URL) != ""
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Queued     int
	Processing int
	Uploading  int
	Completed  int
	Failed     int
}
