package delivery

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"context"

	"soundpress/internal/egress"
	"soundpress/internal/logging"
	"soundpress/internal/registry"
	"soundpress/internal/retry"
)

// Uploader streams job artifacts to the caller's destination via HTTP PUT.
// Memory use is constant regardless of artifact size: the request body is
// the file itself, never a buffered copy.
type Uploader struct {
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// UploaderConfig collects uploader construction parameters.
type UploaderConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// NewUploader constructs an uploader whose connections are egress-validated
// at dial time.
func NewUploader(validator *egress.Validator, cfg UploaderConfig, logger *slog.Logger) *Uploader {
	return &Uploader{
		client:  &http.Client{Transport: validator.Transport()},
		timeout: cfg.Timeout,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			Retryable:   Retryable,
			Jitter:      true,
		},
		logger: logging.NewComponentLogger(logger, "upload"),
	}
}

// Upload PUTs the artifact to the destination, returning the attempts
// consumed. 4xx responses abort immediately; transport errors and 5xx
// responses retry under the upload budget.
func (u *Uploader) Upload(ctx context.Context, jobID, artifactPath string, dest registry.Endpoint) (int, error) {
	target := deriveTargetURL(dest.URL, filepath.Base(artifactPath))

	u.logger.Info("upload started",
		logging.String(logging.FieldJobID, jobID),
		logging.String("url", target),
	)

	attempts, err := u.policy.Do(ctx, func(ctx context.Context) error {
		return u.putOnce(ctx, target, artifactPath, dest.Token)
	})
	if err != nil {
		return attempts, fmt.Errorf("upload: %w", err)
	}

	u.logger.Info("upload completed",
		logging.String(logging.FieldJobID, jobID),
		logging.Int(logging.FieldAttempt, attempts),
	)
	return attempts, nil
}

func (u *Uploader) putOnce(ctx context.Context, target, artifactPath, token string) error {
	file, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if u.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target, file)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "audio/mpeg")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// deriveTargetURL appends the artifact filename when the destination does
// not already name one, preserving the source base name at the destination.
func deriveTargetURL(destURL, filename string) string {
	if strings.HasSuffix(destURL, filename) {
		return destURL
	}
	if !strings.HasSuffix(destURL, "/") {
		destURL += "/"
	}
	return destURL + filename
}
