package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"soundpress/internal/egress"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
	"soundpress/internal/retry"
)

// StatusPayload is the JSON body posted to the caller's callback endpoint.
type StatusPayload struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at"`
	Error       string     `json:"error,omitempty"`
}

// Notifier posts terminal job status to the caller's callback. Delivery is
// best-effort: failures are reported to the caller of Notify for logging
// and never alter job state.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// NotifierConfig collects notifier construction parameters.
type NotifierConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// NewNotifier constructs a webhook notifier with egress-validated dialing.
func NewNotifier(validator *egress.Validator, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:  &http.Client{Transport: validator.Transport()},
		timeout: cfg.Timeout,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			Retryable:   Retryable,
			Jitter:      true,
		},
		logger: logging.NewComponentLogger(logger, "webhook"),
	}
}

// Notify posts the payload to the callback, retrying transport and 5xx
// failures under the webhook budget. Returns the attempts consumed.
func (n *Notifier) Notify(ctx context.Context, callback registry.Endpoint, payload StatusPayload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempts, err := n.policy.Do(ctx, func(ctx context.Context) error {
		return n.postOnce(ctx, callback, body)
	})
	if err != nil {
		return attempts, fmt.Errorf("webhook: %w", err)
	}

	n.logger.Info("webhook delivered",
		logging.String(logging.FieldJobID, payload.JobID),
		logging.String("status", payload.Status),
		logging.Int(logging.FieldAttempt, attempts),
	)
	return attempts, nil
}

func (n *Notifier) postOnce(ctx context.Context, callback registry.Endpoint, body []byte) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if n.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, callback.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if callback.Token != "" {
		req.Header.Set("Authorization", "Bearer "+callback.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
