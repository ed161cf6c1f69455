package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Admission contains submission limits enforced before a job is created.
type Admission struct {
	MaxUploadSizeMB int `toml:"max_upload_size_mb"`
	MinDiskSpaceGB  int `toml:"min_disk_space_gb"`
}

// FFmpeg contains the external media tool binaries.
type FFmpeg struct {
	Binary      string `toml:"binary"`
	ProbeBinary string `toml:"probe_binary"`
}

// Workers contains worker pool sizing and polling cadence.
type Workers struct {
	Count              int `toml:"count"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	LeaseRenewInterval int `toml:"lease_renew_interval"`
}

// Budgets contains per-stage wall-clock limits, in seconds. The queue
// visibility timeout must exceed the sum of every stage budget so a live
// job is never redelivered to a second worker.
type Budgets struct {
	TranscodeSoftTimeout int `toml:"transcode_soft_timeout"`
	TranscodeHardTimeout int `toml:"transcode_hard_timeout"`
	UploadTimeout        int `toml:"upload_timeout"`
	WebhookTimeout       int `toml:"webhook_timeout"`
	VisibilityTimeout    int `toml:"visibility_timeout"`
	VisibilityMargin     int `toml:"visibility_margin"`
}

// Retries contains per-stage retry budgets and backoff bases, each stage
// independent of the others.
type Retries struct {
	TranscodeMaxAttempts int     `toml:"transcode_max_attempts"`
	TranscodeBackoffBase float64 `toml:"transcode_backoff_base"`
	UploadMaxAttempts    int     `toml:"upload_max_attempts"`
	UploadBackoffBase    float64 `toml:"upload_backoff_base"`
	WebhookMaxAttempts   int     `toml:"webhook_max_attempts"`
	WebhookBackoffBase   float64 `toml:"webhook_backoff_base"`
}

// Sweeper contains reconciliation cadence and retention settings.
type Sweeper struct {
	Interval        int `toml:"interval"`
	RetentionTTL    int `toml:"retention_ttl"`
	QueuedGrace     int `toml:"queued_grace"`
	MaxReadmissions int `toml:"max_readmissions"`
}

// Egress contains outbound URL policy for destinations and callbacks.
type Egress struct {
	AllowHTTP       bool `toml:"allow_http"`
	AllowPrivateIPs bool `toml:"allow_private_ips"`
}

// Notifications contains configuration for ntfy operator push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Errors         bool   `toml:"errors"`
	Completions    bool   `toml:"completions"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for soundpress.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Admission     Admission     `toml:"admission"`
	FFmpeg        FFmpeg        `toml:"ffmpeg"`
	Workers       Workers       `toml:"workers"`
	Budgets       Budgets       `toml:"budgets"`
	Retries       Retries       `toml:"retries"`
	Sweeper       Sweeper       `toml:"sweeper"`
	Egress        Egress        `toml:"egress"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/soundpress/config.toml")
}

// SampleConfig returns the embedded sample configuration file contents.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return is
// the resolved path, the third whether a file was found there.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("soundpress.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MaxUploadBytes returns the admission byte budget.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Admission.MaxUploadSizeMB) * 1024 * 1024
}

// MinDiskBytes returns the disk headroom floor in bytes.
func (c *Config) MinDiskBytes() uint64 {
	return uint64(c.Admission.MinDiskSpaceGB) * 1024 * 1024 * 1024
}

// VisibilityTimeout returns the work queue redelivery window.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Budgets.VisibilityTimeout) * time.Second
}

// StageBudgetSum returns the total wall-clock budget of all three stages.
func (c *Config) StageBudgetSum() time.Duration {
	total := c.Budgets.TranscodeHardTimeout + c.Budgets.UploadTimeout + c.Budgets.WebhookTimeout
	return time.Duration(total) * time.Second
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.FFmpeg.Binary = strings.TrimSpace(c.FFmpeg.Binary)
	c.FFmpeg.ProbeBinary = strings.TrimSpace(c.FFmpeg.ProbeBinary)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}
