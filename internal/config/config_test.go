package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stavrosk/taxis/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxis.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
concurrency:
  max_concurrent_runs: 1
  default_op_concurrency_limit: 1
  tag_concurrency_limits:
    - key: concurrency_tag
      value: entsog
      limit: 1
    - key: concurrency_tag
      value: entsoe
      limit: 4
  op_concurrency_limits:
    entsoe: 4
poll_interval: 5s
starting_deadline: 2m
batch_size: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Policy.MaxConcurrentRuns != 1 {
		t.Errorf("max_concurrent_runs = %d, want 1", cfg.Policy.MaxConcurrentRuns)
	}
	if len(cfg.Policy.TagLimits) != 2 {
		t.Fatalf("expected 2 tag limits, got %d", len(cfg.Policy.TagLimits))
	}
	if cfg.Policy.TagLimits[1].Value != "entsoe" || cfg.Policy.TagLimits[1].Limit != 4 {
		t.Errorf("unexpected second tag limit: %+v", cfg.Policy.TagLimits[1])
	}
	if cfg.Policy.OpLimit("entsoe") != 4 {
		t.Errorf("op limit override not applied")
	}
	if cfg.PollInterval.Std() != 5*time.Second {
		t.Errorf("poll_interval = %v, want 5s", cfg.PollInterval.Std())
	}
	if cfg.StartingDeadline.Std() != 2*time.Minute {
		t.Errorf("starting_deadline = %v, want 2m", cfg.StartingDeadline.Std())
	}
	if cfg.BatchSize != 50 {
		t.Errorf("batch_size = %d, want 50", cfg.BatchSize)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
concurrency:
  max_concurrent_runs: 3
  default_op_concurrency_limit: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval.Std() != DefaultPollInterval {
		t.Errorf("poll_interval default not applied: %v", cfg.PollInterval.Std())
	}
	if cfg.StartingDeadline.Std() != DefaultStartingDeadline {
		t.Errorf("starting_deadline default not applied: %v", cfg.StartingDeadline.Std())
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("batch_size default not applied: %d", cfg.BatchSize)
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	path := writeConfig(t, `
concurrency:
  max_concurrent_runs: -1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, policy.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "concurrency: [broken")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, policy.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
concurrency:
  max_concurrent_runs: 1
poll_interval: soon
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
