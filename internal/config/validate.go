package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		problems = append(problems, "paths.work_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must be set")
	}
	if c.Admission.MaxUploadSizeMB <= 0 {
		problems = append(problems, "admission.max_upload_size_mb must be positive")
	}
	if c.Admission.MinDiskSpaceGB < 0 {
		problems = append(problems, "admission.min_disk_space_gb must not be negative")
	}
	if c.Workers.Count <= 0 {
		problems = append(problems, "workers.count must be positive")
	}
	if c.Workers.PollInterval <= 0 {
		problems = append(problems, "workers.poll_interval must be positive")
	}
	if c.Workers.LeaseRenewInterval <= 0 {
		problems = append(problems, "workers.lease_renew_interval must be positive")
	}
	if c.Budgets.TranscodeSoftTimeout <= 0 || c.Budgets.TranscodeHardTimeout <= 0 {
		problems = append(problems, "budgets.transcode timeouts must be positive")
	}
	if c.Budgets.TranscodeHardTimeout < c.Budgets.TranscodeSoftTimeout {
		problems = append(problems, "budgets.transcode_hard_timeout must not be below the soft timeout")
	}
	if c.Budgets.UploadTimeout <= 0 {
		problems = append(problems, "budgets.upload_timeout must be positive")
	}
	if c.Budgets.WebhookTimeout <= 0 {
		problems = append(problems, "budgets.webhook_timeout must be positive")
	}

	// A live job must never be redelivered to a second worker while the
	// first is still inside its stage budgets.
	stageSum := c.Budgets.TranscodeHardTimeout + c.Budgets.UploadTimeout + c.Budgets.WebhookTimeout
	if c.Budgets.VisibilityTimeout <= stageSum {
		problems = append(problems, fmt.Sprintf(
			"budgets.visibility_timeout (%ds) must exceed the stage budget sum (%ds) plus margin",
			c.Budgets.VisibilityTimeout, stageSum))
	}

	for name, attempts := range map[string]int{
		"retries.transcode_max_attempts": c.Retries.TranscodeMaxAttempts,
		"retries.upload_max_attempts":    c.Retries.UploadMaxAttempts,
		"retries.webhook_max_attempts":   c.Retries.WebhookMaxAttempts,
	} {
		if attempts <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if c.Sweeper.Interval <= 0 {
		problems = append(problems, "sweeper.interval must be positive")
	}
	if c.Sweeper.RetentionTTL <= 0 {
		problems = append(problems, "sweeper.retention_ttl must be positive")
	}
	if c.Sweeper.MaxReadmissions < 0 {
		problems = append(problems, "sweeper.max_readmissions must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
