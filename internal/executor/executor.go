package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"dagline/internal/config"
	"dagline/internal/domain"
)

var ErrSimulatedFailure = errors.New("simulated random failure")

// Executor performs the work of one attempt and returns its output.
type Executor interface {
	Execute(ctx context.Context, task domain.Task, attempt int) (string, error)
}

// Func adapts a plain function to the engine's executor contract.
type Func func(ctx context.Context, task domain.Task, attempt int) (string, error)

func (f Func) Execute(ctx context.Context, task domain.Task, attempt int) (string, error) {
	return f(ctx, task, attempt)
}

// Simulated stands in for real work: it waits Duration and fails with
// probability FailureRate.
type Simulated struct {
	Duration    time.Duration
	FailureRate float64
	// Float64 overrides the random source, mostly for tests.
	Float64 func() float64
}

func (s Simulated) Execute(ctx context.Context, task domain.Task, attempt int) (string, error) {
	if s.Duration > 0 {
		timer := time.NewTimer(s.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	roll := rand.Float64
	if s.Float64 != nil {
		roll = s.Float64
	}
	if s.FailureRate > 0 && roll() < s.FailureRate {
		return "", ErrSimulatedFailure
	}
	return fmt.Sprintf("Task %s completed successfully", task.ID), nil
}

// Shell runs the task description as a shell command. A non-zero exit fails
// the attempt; combined output becomes the result output.
type Shell struct {
	Timeout time.Duration
}

const maxShellOutput = 64 << 10

func (s Shell) Execute(ctx context.Context, task domain.Task, attempt int) (string, error) {
	command := strings.TrimSpace(task.Description)
	if command == "" {
		return "", fmt.Errorf("task %s has no command in its description", task.ID)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}
	cmd.Env = append(cmd.Environ(),
		"DAGLINE_TASK_ID="+task.ID,
		"DAGLINE_WORKSPACE="+task.WorkspaceKey,
		fmt.Sprintf("DAGLINE_ATTEMPT=%d", attempt),
	)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if len(out) > maxShellOutput {
		out = out[len(out)-maxShellOutput:]
	}
	out = strings.TrimSpace(out)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("command timed out after %s", s.Timeout)
		}
		if out != "" {
			return out, fmt.Errorf("%w: %s", err, lastLine(out))
		}
		return out, err
	}
	return out, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// FromConfig picks the executor named by cfg.Kind.
func FromConfig(cfg config.ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case "", "simulated":
		return Simulated{Duration: cfg.Duration, FailureRate: cfg.FailureRate}, nil
	case "shell":
		return Shell{Timeout: cfg.Timeout}, nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}
