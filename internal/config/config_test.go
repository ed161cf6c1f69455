package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"soundpress/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsVisibilityInsideStageBudgets(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.VisibilityTimeout = cfg.Budgets.TranscodeHardTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure when visibility timeout does not exceed stage budgets")
	}
}

func TestValidateRejectsInvertedTranscodeBudgets(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.TranscodeHardTimeout = cfg.Budgets.TranscodeSoftTimeout - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure when hard budget is below soft budget")
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundpress.toml")
	content := strings.Join([]string{
		"[paths]",
		`work_dir = "` + filepath.Join(dir, "work") + `"`,
		`log_dir = "` + filepath.Join(dir, "logs") + `"`,
		"[workers]",
		"count = 2",
		"[admission]",
		"max_upload_size_mb = 64",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, found, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected config file to be found")
	}
	if resolved != path {
		t.Fatalf("resolved path = %q, want %q", resolved, path)
	}
	if cfg.Workers.Count != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Workers.Count)
	}
	if got := cfg.MaxUploadBytes(); got != 64*1024*1024 {
		t.Fatalf("MaxUploadBytes = %d, want %d", got, 64*1024*1024)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, found, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Fatal("expected missing config file")
	}
	defaults := config.Default()
	if cfg.Workers.Count != defaults.Workers.Count {
		t.Fatalf("workers = %d, want default %d", cfg.Workers.Count, defaults.Workers.Count)
	}
}

func TestStageBudgetSumBelowVisibility(t *testing.T) {
	cfg := config.Default()
	if cfg.StageBudgetSum() >= cfg.VisibilityTimeout() {
		t.Fatalf("stage budget sum %s must stay below visibility timeout %s",
			cfg.StageBudgetSum(), cfg.VisibilityTimeout())
	}
}
