package config

const (
	defaultWorkDir              = "~/.local/share/soundpress/work"
	defaultLogDir               = "~/.local/share/soundpress/logs"
	defaultAPIBind              = "127.0.0.1:8972"
	defaultMaxUploadSizeMB      = 4096
	defaultMinDiskSpaceGB       = 10
	defaultFFmpegBinary         = "ffmpeg"
	defaultProbeBinary          = "ffprobe"
	defaultWorkerCount          = 4
	defaultPollInterval         = 2
	defaultErrorRetryInterval   = 5
	defaultLeaseRenewInterval   = 15
	defaultTranscodeSoftTimeout = 7200
	defaultTranscodeHardTimeout = 7500
	defaultUploadTimeout        = 600
	defaultWebhookTimeout       = 30
	defaultVisibilityMargin     = 120
	defaultTranscodeAttempts    = 3
	defaultUploadAttempts       = 3
	defaultWebhookAttempts      = 5
	defaultBackoffBase          = 2.0
	defaultSweepInterval        = 60
	defaultRetentionTTL         = 3600
	defaultQueuedGrace          = 120
	defaultMaxReadmissions      = 1
	defaultNotifyRequestTimeout = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	hard := defaultTranscodeHardTimeout
	return Config{
		Paths: Paths{
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Admission: Admission{
			MaxUploadSizeMB: defaultMaxUploadSizeMB,
			MinDiskSpaceGB:  defaultMinDiskSpaceGB,
		},
		FFmpeg: FFmpeg{
			Binary:      defaultFFmpegBinary,
			ProbeBinary: defaultProbeBinary,
		},
		Workers: Workers{
			Count:              defaultWorkerCount,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			LeaseRenewInterval: defaultLeaseRenewInterval,
		},
		Budgets: Budgets{
			TranscodeSoftTimeout: defaultTranscodeSoftTimeout,
			TranscodeHardTimeout: hard,
			UploadTimeout:        defaultUploadTimeout,
			WebhookTimeout:       defaultWebhookTimeout,
			VisibilityTimeout:    hard + defaultUploadTimeout + defaultWebhookTimeout + defaultVisibilityMargin,
			VisibilityMargin:     defaultVisibilityMargin,
		},
		Retries: Retries{
			TranscodeMaxAttempts: defaultTranscodeAttempts,
			TranscodeBackoffBase: defaultBackoffBase,
			UploadMaxAttempts:    defaultUploadAttempts,
			UploadBackoffBase:    defaultBackoffBase,
			WebhookMaxAttempts:   defaultWebhookAttempts,
			WebhookBackoffBase:   defaultBackoffBase,
		},
		Sweeper: Sweeper{
			Interval:        defaultSweepInterval,
			RetentionTTL:    defaultRetentionTTL,
			QueuedGrace:     defaultQueuedGrace,
			MaxReadmissions: defaultMaxReadmissions,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Errors:         true,
			Completions:    false,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
