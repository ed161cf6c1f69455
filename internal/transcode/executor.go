package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"soundpress/internal/logging"
	"soundpress/internal/retry"
)

var commandContext = exec.CommandContext

// filterGraph is the static audio filter chain applied to every job. It is
// never built from caller input.
const filterGraph = "highpass=f=100," +
	"lowpass=f=8000," +
	"silenceremove=start_periods=1:start_duration=1:start_threshold=-45dB:" +
	"stop_periods=-1:stop_duration=1:stop_threshold=-45dB," +
	"loudnorm"

// OutputName is the artifact filename produced inside a job directory
// before the upload stage renames it after the source.
const OutputName = "output.mp3"

// Executor runs the external media tool under soft and hard time budgets.
type Executor struct {
	binary      string
	probeBinary string
	softBudget  time.Duration
	hardBudget  time.Duration
	policy      retry.Policy
	logger      *slog.Logger
}

// Config collects executor construction parameters.
type Config struct {
	Binary      string
	ProbeBinary string
	SoftBudget  time.Duration
	HardBudget  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// NewExecutor constructs a transcode executor.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ProbeBinary == "" {
		cfg.ProbeBinary = "ffprobe"
	}
	return &Executor{
		binary:      cfg.Binary,
		probeBinary: cfg.ProbeBinary,
		softBudget:  cfg.SoftBudget,
		hardBudget:  cfg.HardBudget,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			Retryable:   Retryable,
			Jitter:      true,
		},
		logger: logging.NewComponentLogger(logger, "transcode"),
	}
}

// Run converts the source at inputPath into a mono 16 kHz MP3 next to it,
// returning the output path and the number of attempts consumed. Safe to
// re-run from scratch: the output is overwritten on every attempt.
func (e *Executor) Run(ctx context.Context, jobID, inputPath string) (string, int, error) {
	probe, err := Probe(ctx, e.probeBinary, inputPath)
	if err != nil {
		return "", 0, err
	}
	if probe.AudioStreamCount() == 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNoAudioTrack, filepath.Base(inputPath))
	}

	outputPath := filepath.Join(filepath.Dir(inputPath), OutputName)
	attempts, err := e.policy.Do(ctx, func(ctx context.Context) error {
		return e.runOnce(ctx, jobID, inputPath, outputPath)
	})
	if err != nil {
		return "", attempts, err
	}
	return outputPath, attempts, nil
}

func (e *Executor) runOnce(ctx context.Context, jobID, inputPath, outputPath string) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if e.softBudget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.softBudget)
		defer cancel()
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-af", filterGraph,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libmp3lame",
		"-b:a", "128k",
		outputPath,
	}

	cmd := commandContext(runCtx, e.binary, args...)
	// Soft budget expiry interrupts the tool so it can finalize the output;
	// the remaining window up to the hard budget forces a kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	if e.hardBudget > e.softBudget {
		cmd.WaitDelay = e.hardBudget - e.softBudget
	}

	logPath := filepath.Join(filepath.Dir(outputPath), "ffmpeg.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("%w: create tool log: %v", ErrFailed, err)
	}
	defer logFile.Close()
	cmd.Stderr = logFile

	start := time.Now()
	e.logger.Info("transcode started",
		logging.String(logging.FieldJobID, jobID),
		logging.String("input", inputPath),
	)

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: exceeded budget of %s", ErrTimeout, e.hardBudget)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runErr != nil {
		return fmt.Errorf("%w: %v (see %s)", ErrFailed, runErr, logPath)
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil || info.Size() == 0 {
		return fmt.Errorf("%w: produced empty or missing output", ErrFailed)
	}

	e.logger.Info("transcode completed",
		logging.String(logging.FieldJobID, jobID),
		logging.Int64("output_bytes", info.Size()),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}
