package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dagline/internal/domain"
)

// Outcome is how one task ended within a run.
type Outcome struct {
	TaskID   string            `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Attempts int               `json:"attempts"`
	Error    string            `json:"error,omitempty"`
	err      error
}

func (o Outcome) Err() error { return o.err }

func outcomeErr(taskID string, status domain.TaskStatus, attempts int, err error) Outcome {
	o := Outcome{TaskID: taskID, Status: status, Attempts: attempts, err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// execute claims the task and drives it if it is still pending.
func (e *Engine) execute(ctx context.Context, taskID string) Outcome {
	if !e.claim(taskID) {
		return outcomeErr(taskID, domain.TaskRunning, 0, fmt.Errorf("%w: %s", ErrTaskBusy, taskID))
	}
	defer e.release(taskID)
	task, err := e.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return outcomeErr(taskID, "", 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
		}
		return outcomeErr(taskID, "", 0, err)
	}
	if task.Status != domain.TaskPending {
		return outcomeErr(taskID, task.Status, 0, fmt.Errorf("%w: %s is %s", ErrNotPending, taskID, task.Status))
	}
	if err := ctx.Err(); err != nil {
		return outcomeErr(taskID, domain.TaskPending, 0, err)
	}
	return e.drive(ctx, task)
}

// drive moves a pending task through running to done or failed. Between a
// retryable failure and the next attempt the task stays running while a
// timer waits out the backoff. ctx reaches the executor and the backoff
// timer; status and result writes are never cancelled.
func (e *Engine) drive(ctx context.Context, task domain.Task) Outcome {
	wctx := context.WithoutCancel(ctx)
	started := e.now().UTC()
	if err := e.store.SaveTaskStatus(wctx, task.ID, domain.TaskRunning, &started, nil); err != nil {
		return outcomeErr(task.ID, domain.TaskPending, 0, fmt.Errorf("mark running: %w", err))
	}
	task.Status = domain.TaskRunning
	task.StartedAt = &started
	e.logger.Info("task running", "task_id", task.ID, "workspace", task.WorkspaceKey, "max_attempts", e.policy.MaxAttempts())
	e.publish(task, domain.TaskRunning, 0, "", "")

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.publish(task, domain.TaskRunning, attempt, "", "")
		}
		attemptStart := e.now().UTC()
		output, err := e.attempt(ctx, task, attempt)
		finished := e.now().UTC()
		if finished.Before(attemptStart) {
			finished = attemptStart
		}
		if err == nil {
			return e.settle(wctx, task, attempt, domain.TaskDone, output, nil, attemptStart, finished)
		}
		attemptErr := &AttemptError{TaskID: task.ID, Attempt: attempt, Err: err}
		if ctx.Err() != nil || !e.policy.ShouldRetry(attempt) {
			return e.settle(wctx, task, attempt, domain.TaskFailed, output, attemptErr, attemptStart, finished)
		}
		if err := e.store.AppendExecutionResult(wctx, domain.ExecutionResult{
			TaskID:       task.ID,
			Status:       domain.ResultRetry,
			ErrorMessage: err.Error(),
			RetryCount:   attempt,
			StartedAt:    attemptStart,
			CompletedAt:  &finished,
		}); err != nil {
			return outcomeErr(task.ID, domain.TaskRunning, attempt+1, fmt.Errorf("record retry: %w", err))
		}
		delay := e.policy.Backoff(attempt)
		e.logger.Warn("task attempt failed, retrying", "task_id", task.ID, "attempt", attempt, "delay", delay, "err", err)
		if werr := e.wait(ctx, delay); werr != nil {
			return e.interrupt(wctx, task, attempt, werr)
		}
	}
}

// settle writes the terminal status and its result record, then notifies.
func (e *Engine) settle(ctx context.Context, task domain.Task, attempt int, status domain.TaskStatus, output string, failure error, attemptStart, finished time.Time) Outcome {
	completed := finished
	if completed.Before(*task.StartedAt) {
		completed = *task.StartedAt
	}
	if err := e.store.SaveTaskStatus(ctx, task.ID, status, task.StartedAt, &completed); err != nil {
		return outcomeErr(task.ID, domain.TaskRunning, attempt+1, fmt.Errorf("mark %s: %w", status, err))
	}
	res := domain.ExecutionResult{
		TaskID:      task.ID,
		RetryCount:  attempt,
		StartedAt:   attemptStart,
		CompletedAt: &completed,
	}
	if failure == nil {
		res.Status = domain.ResultSuccess
		res.Output = output
	} else {
		res.Status = domain.ResultFailure
		res.ErrorMessage = failure.Error()
		var ae *AttemptError
		if errors.As(failure, &ae) {
			res.ErrorMessage = ae.Err.Error()
		}
	}
	if err := e.store.AppendExecutionResult(ctx, res); err != nil {
		e.logger.Error("record execution result", "task_id", task.ID, "attempt", attempt, "err", err)
	}
	if failure == nil {
		e.logger.Info("task done", "task_id", task.ID, "attempts", attempt+1)
		e.publish(task, domain.TaskDone, attempt, output, "")
		return Outcome{TaskID: task.ID, Status: domain.TaskDone, Attempts: attempt + 1}
	}
	e.logger.Error("task failed", "task_id", task.ID, "attempts", attempt+1, "err", failure)
	e.publish(task, domain.TaskFailed, attempt, "", res.ErrorMessage)
	return outcomeErr(task.ID, domain.TaskFailed, attempt+1, failure)
}

// interrupt fails a task whose backoff was cut short by ctx. The last
// recorded result is the retry entry of the attempt that failed.
func (e *Engine) interrupt(ctx context.Context, task domain.Task, attempt int, cause error) Outcome {
	completed := e.now().UTC()
	if completed.Before(*task.StartedAt) {
		completed = *task.StartedAt
	}
	err := fmt.Errorf("interrupted during backoff: %w", cause)
	if serr := e.store.SaveTaskStatus(ctx, task.ID, domain.TaskFailed, task.StartedAt, &completed); serr != nil {
		return outcomeErr(task.ID, domain.TaskRunning, attempt+1, fmt.Errorf("mark failed: %w", serr))
	}
	e.publish(task, domain.TaskFailed, attempt, "", err.Error())
	return outcomeErr(task.ID, domain.TaskFailed, attempt+1, err)
}

// attempt runs the executor once, turning a panic into an attempt failure.
func (e *Engine) attempt(ctx context.Context, task domain.Task, attempt int) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return e.exec.Execute(ctx, task, attempt)
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-e.after(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
