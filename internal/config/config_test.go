package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BackoffBase != time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Executor.Kind != "simulated" || cfg.Executor.FailureRate != 0.1 || cfg.Executor.Duration != 2*time.Second {
		t.Fatalf("unexpected executor defaults %+v", cfg.Executor)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
retry:
  max_retries: 5
executor:
  kind: shell
schedules:
  - workspace: nightly
    cron: "0 2 * * *"
webhooks:
  - url: http://example.invalid/hook
    events: [done, failed]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BackoffBase != time.Second {
		t.Fatalf("retry overlay wrong: %+v", cfg.Retry)
	}
	if cfg.Executor.Kind != "shell" || cfg.Executor.Timeout != 5*time.Minute {
		t.Fatalf("executor overlay wrong: %+v", cfg.Executor)
	}
	if len(cfg.Schedules) != 1 || len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("lists not decoded: %+v %+v", cfg.Schedules, cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte(`
retry:
  max_retries: -1
executor:
  kind: ssh
  failure_rate: 2
schedules:
  - workspace: ""
    cron: "every day"
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"max_retries", "executor.kind", "failure_rate", "schedules[0].workspace", "schedules[0].cron"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("load optional: %v %+v", err, cfg)
	}
	cfg.Retry.MaxRetries = 7
	path, err := Write(dir, cfg)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, err := Write(dir, cfg); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Retry.MaxRetries != 7 || loaded.Executor.Duration != 2*time.Second {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}
