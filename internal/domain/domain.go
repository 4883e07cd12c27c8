package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid input")
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether no further attempt will be made without a reset.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskDone, TaskFailed:
		return true
	}
	return false
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultRetry   ResultStatus = "retry"
)

type Workspace struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID           string     `json:"id"`
	WorkspaceKey string     `json:"workspace"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status" enum:"pending,running,done,failed"`
	Dependencies []string   `json:"dependencies,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Duration is the wall time between start and completion, if both are known.
func (t Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// ExecutionResult records a single attempt. RetryCount is the 0-based attempt index.
type ExecutionResult struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Status       ResultStatus `json:"status" enum:"success,failure,retry"`
	Output       string       `json:"output,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RetryCount   int          `json:"retry_count"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// TaskUpdate is the notification broadcast to workspace observers on every transition.
type TaskUpdate struct {
	TaskID       string     `json:"id"`
	WorkspaceKey string     `json:"workspace"`
	Status       TaskStatus `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	TS           time.Time  `json:"ts"`
}

type Metrics struct {
	WorkspaceKey         string         `json:"workspace"`
	TotalTasks           int            `json:"total_tasks"`
	TasksByStatus        map[string]int `json:"tasks_by_status"`
	ExecutionResults     map[string]int `json:"execution_results"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	AvgTaskDuration      float64        `json:"avg_task_duration_seconds"`
	TotalRetries         int            `json:"total_retries"`
}

// Event is an audit log row written alongside every persisted change.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	WorkspaceKey string `json:"workspace,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Payload      string `json:"payload_json"`
}
