package executor

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"dagline/internal/config"
	"dagline/internal/domain"
)

func TestSimulatedSucceeds(t *testing.T) {
	s := Simulated{FailureRate: 0.1, Float64: func() float64 { return 0.5 }}
	out, err := s.Execute(context.Background(), domain.Task{ID: "t-1"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Task t-1 completed successfully" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSimulatedFails(t *testing.T) {
	s := Simulated{FailureRate: 0.1, Float64: func() float64 { return 0.05 }}
	if _, err := s.Execute(context.Background(), domain.Task{ID: "t-1"}, 0); !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("expected simulated failure, got %v", err)
	}
}

func TestSimulatedHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := Simulated{Duration: time.Hour}
	if _, err := s.Execute(ctx, domain.Task{ID: "t"}, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestShellExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	sh := Shell{Timeout: 5 * time.Second}
	out, err := sh.Execute(context.Background(), domain.Task{ID: "t-9", Description: `echo "hello $DAGLINE_TASK_ID attempt $DAGLINE_ATTEMPT"`}, 2)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hello t-9 attempt 2" {
		t.Fatalf("unexpected output %q", out)
	}
	_, err = sh.Execute(context.Background(), domain.Task{ID: "t", Description: "echo broken >&2; exit 3"}, 0)
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected failing command error, got %v", err)
	}
	if _, err := sh.Execute(context.Background(), domain.Task{ID: "t"}, 0); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestFromConfig(t *testing.T) {
	exec, err := FromConfig(config.ExecutorConfig{Kind: "shell", Timeout: time.Second})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := exec.(Shell); !ok {
		t.Fatalf("expected Shell, got %T", exec)
	}
	exec, err = FromConfig(config.ExecutorConfig{})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := exec.(Simulated); !ok {
		t.Fatalf("expected Simulated, got %T", exec)
	}
	if _, err := FromConfig(config.ExecutorConfig{Kind: "ssh"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
