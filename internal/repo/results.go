package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dagline/internal/domain"
	"dagline/internal/events"
)

// AppendExecutionResult inserts one attempt record. Records are never updated.
func (r Repo) AppendExecutionResult(ctx context.Context, res domain.ExecutionResult) error {
	switch res.Status {
	case domain.ResultSuccess, domain.ResultFailure, domain.ResultRetry:
	default:
		return fmt.Errorf("%w: unknown result status %q", domain.ErrInvalid, res.Status)
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var ws string
	err = tx.QueryRowContext(ctx, `SELECT workspace_key FROM tasks WHERE id=?`, res.TaskID).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", res.TaskID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_results(id,task_id,status,output,error_message,retry_count,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		res.ID, res.TaskID, string(res.Status), res.Output, res.ErrorMessage, res.RetryCount, formatTime(res.StartedAt), nullableTime(res.CompletedAt))
	if err != nil {
		return err
	}
	payload := events.Payload{"result_id": res.ID, "status": string(res.Status), "retry_count": res.RetryCount}
	if res.ErrorMessage != "" {
		payload["error"] = res.ErrorMessage
	}
	if err := r.Events.Append(ctx, tx, events.TaskResult, ws, res.TaskID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ListResults returns a task's attempts in the order they were recorded,
// which is attempt order across resets too.
func (r Repo) ListResults(ctx context.Context, taskID string) ([]domain.ExecutionResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,status,output,error_message,retry_count,started_at,completed_at FROM execution_results WHERE task_id=? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionResult
	for rows.Next() {
		var er domain.ExecutionResult
		var status, started string
		var completed sql.NullString
		if err := rows.Scan(&er.ID, &er.TaskID, &status, &er.Output, &er.ErrorMessage, &er.RetryCount, &started, &completed); err != nil {
			return nil, err
		}
		er.Status = domain.ResultStatus(status)
		if er.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if er.CompletedAt, err = timePtr(completed); err != nil {
			return nil, err
		}
		res = append(res, er)
	}
	return res, rows.Err()
}

// WorkspaceMetrics aggregates task and attempt counts plus attempt durations.
func (r Repo) WorkspaceMetrics(ctx context.Context, workspaceKey string) (domain.Metrics, error) {
	m := domain.Metrics{
		WorkspaceKey: workspaceKey,
		TasksByStatus: map[string]int{
			string(domain.TaskPending): 0,
			string(domain.TaskRunning): 0,
			string(domain.TaskDone):    0,
			string(domain.TaskFailed):  0,
		},
		ExecutionResults: map[string]int{
			string(domain.ResultSuccess): 0,
			string(domain.ResultFailure): 0,
			string(domain.ResultRetry):   0,
		},
	}
	byStatus, err := r.CountTasksByStatus(ctx, workspaceKey)
	if err != nil {
		return m, err
	}
	for status, n := range byStatus {
		m.TasksByStatus[status] = n
		m.TotalTasks += n
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT er.status, er.retry_count, er.started_at, er.completed_at
		FROM execution_results er JOIN tasks t ON t.id = er.task_id
		WHERE t.workspace_key=?`, workspaceKey)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	var completedCount int
	for rows.Next() {
		var status, started string
		var retryCount int
		var completed sql.NullString
		if err := rows.Scan(&status, &retryCount, &started, &completed); err != nil {
			return m, err
		}
		m.ExecutionResults[status]++
		if retryCount > 0 {
			m.TotalRetries++
		}
		end, err := timePtr(completed)
		if err != nil {
			return m, err
		}
		if end == nil {
			continue
		}
		start, err := parseTime(started)
		if err != nil {
			return m, err
		}
		m.TotalDurationSeconds += end.Sub(start).Seconds()
		completedCount++
	}
	if err := rows.Err(); err != nil {
		return m, err
	}
	if completedCount > 0 {
		m.AvgTaskDuration = m.TotalDurationSeconds / float64(completedCount)
	}
	return m, nil
}

type EventFilters struct {
	WorkspaceKey string
	TaskID       string
	Type         string
	Cursor       int64
	Limit        int
}

// ListEvents returns audit rows newest first; Cursor pages backwards by id.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.WorkspaceKey != "" {
		clauses = append(clauses, "workspace_key=?")
		args = append(args, f.WorkspaceKey)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,workspace_key,task_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ws, taskID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &ws, &taskID, &e.Payload); err != nil {
			return nil, err
		}
		e.WorkspaceKey = ws.String
		e.TaskID = taskID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
