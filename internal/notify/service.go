// Package notify sends operator push notifications via ntfy. These are for
// the person running the daemon; caller-facing status delivery lives in the
// delivery package.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"soundpress/internal/config"
)

const userAgent = "Soundpress/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyJobCompleted(ctx context.Context, jobID, sourceName string) error
	NotifyJobFailed(ctx context.Context, jobID, cause string) error
	NotifyCapacityLow(ctx context.Context, freeBytes uint64) error
	NotifyDaemonStarted(ctx context.Context, workers int) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		errors:      cfg.Errors,
		completions: cfg.Completions,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	errors      bool
	completions bool
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, sourceName string) error {
	if !n.completions {
		return nil
	}
	sourceName = strings.TrimSpace(sourceName)
	message := fmt.Sprintf("Converted and delivered: %s", sourceName)
	if sourceName == "" {
		message = fmt.Sprintf("Job %s converted and delivered", jobID)
	}
	data := payload{
		title:   "Soundpress - Complete",
		message: message,
		tags:    []string{"soundpress", "job", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, cause string) error {
	if !n.errors {
		return nil
	}
	cause = strings.TrimSpace(cause)
	if cause == "" {
		cause = "unknown"
	}
	data := payload{
		title:    "Soundpress - Job Failed",
		message:  fmt.Sprintf("Job %s failed: %s", jobID, cause),
		tags:     []string{"soundpress", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyCapacityLow(ctx context.Context, freeBytes uint64) error {
	if !n.errors {
		return nil
	}
	data := payload{
		title:    "Soundpress - Low Disk Space",
		message:  fmt.Sprintf("Rejecting submissions: %d bytes free on work volume", freeBytes),
		tags:     []string{"soundpress", "capacity", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDaemonStarted(ctx context.Context, workers int) error {
	data := payload{
		title:   "Soundpress - Started",
		message: fmt.Sprintf("Daemon started with %d workers", workers),
		tags:    []string{"soundpress", "daemon", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Soundpress - Test",
		message:  "Notification system test",
		tags:     []string{"soundpress", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, string, string) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string) error    { return nil }
func (noopService) NotifyCapacityLow(context.Context, uint64) error          { return nil }
func (noopService) NotifyDaemonStarted(context.Context, int) error           { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
