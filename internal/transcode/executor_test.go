package transcode_test

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"soundpress/internal/logging"
	"soundpress/internal/testsupport"
	"soundpress/internal/transcode"
)

const audioProbeJSON = `{"streams":[{"index":0,"codec_type":"video","codec_name":"h264"},` +
	`{"index":1,"codec_type":"audio","codec_name":"aac","channels":2}],` +
	`"format":{"nb_streams":2,"format_name":"mov,mp4"}}`

const videoOnlyProbeJSON = `{"streams":[{"index":0,"codec_type":"video","codec_name":"h264"}],` +
	`"format":{"nb_streams":1,"format_name":"mov,mp4"}}`

// stubTools routes ffprobe invocations to a canned JSON answer and ffmpeg
// invocations to a shell script.
func stubTools(t *testing.T, probeJSON, ffmpegScript string) {
	t.Helper()
	restore := transcode.SetCommandContext(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if name == "ffprobe" {
			return exec.CommandContext(ctx, "sh", "-c", "printf '%s' "+shellQuote(probeJSON))
		}
		// The output path is the final ffmpeg argument.
		outputPath := args[len(args)-1]
		return exec.CommandContext(ctx, "sh", "-c", "OUT="+shellQuote(outputPath)+"; "+ffmpegScript)
	})
	t.Cleanup(restore)
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func newExecutor(attempts int) *transcode.Executor {
	return transcode.NewExecutor(transcode.Config{
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
	}, logging.NewNop())
}

func TestRunProducesArtifact(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	testsupport.WriteFile(t, input, 64)
	stubTools(t, audioProbeJSON, `printf 'mp3-bytes' > "$OUT"`)

	output, attempts, err := newExecutor(3).Run(context.Background(), "job-1", input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if output != filepath.Join(dir, transcode.OutputName) {
		t.Fatalf("output = %q", output)
	}
}

func TestRunRejectsSourceWithoutAudio(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	testsupport.WriteFile(t, input, 64)
	stubTools(t, videoOnlyProbeJSON, `exit 1`)

	_, attempts, err := newExecutor(3).Run(context.Background(), "job-1", input)
	if !errors.Is(err, transcode.ErrNoAudioTrack) {
		t.Fatalf("err = %v, want ErrNoAudioTrack", err)
	}
	if attempts != 0 {
		t.Fatalf("attempts = %d, want 0: no-audio must never consume the retry budget", attempts)
	}
}

func TestRunRetriesToolFailure(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	testsupport.WriteFile(t, input, 64)

	// Fail until a marker file exists, then succeed: exercises one retry.
	marker := filepath.Join(dir, "second-attempt")
	script := `if [ -e ` + shellQuote(marker) + ` ]; then printf 'ok' > "$OUT"; else touch ` + shellQuote(marker) + `; exit 1; fi`
	stubTools(t, audioProbeJSON, script)

	_, attempts, err := newExecutor(3).Run(context.Background(), "job-1", input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunFailsAfterBudgetExhausted(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	testsupport.WriteFile(t, input, 64)
	stubTools(t, audioProbeJSON, `exit 1`)

	_, attempts, err := newExecutor(2).Run(context.Background(), "job-1", input)
	if !errors.Is(err, transcode.ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunTreatsEmptyOutputAsFailure(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.mp4")
	testsupport.WriteFile(t, input, 64)
	stubTools(t, audioProbeJSON, `: > "$OUT"`)

	_, _, err := newExecutor(1).Run(context.Background(), "job-1", input)
	if !errors.Is(err, transcode.ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{transcode.ErrFailed, true},
		{transcode.ErrNoAudioTrack, false},
		{transcode.ErrTimeout, false},
	}
	for _, tc := range cases {
		if got := transcode.Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
