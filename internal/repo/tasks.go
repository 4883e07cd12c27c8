package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dagline/internal/domain"
	"dagline/internal/events"
)

const taskColumns = `id,workspace_key,title,description,status,created_at,updated_at,started_at,completed_at`

type NewTask struct {
	WorkspaceKey string
	Title        string
	Description  string
	Dependencies []string
}

type TaskFilters struct {
	WorkspaceKey string
	Status       string
	Search       string
	Limit        int
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, created, updated string
	var started, completed sql.NullString
	if err := row.Scan(&t.ID, &t.WorkspaceKey, &t.Title, &t.Description, &status, &created, &updated, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	if t.StartedAt, err = timePtr(started); err != nil {
		return t, err
	}
	if t.CompletedAt, err = timePtr(completed); err != nil {
		return t, err
	}
	return t, nil
}

// CreateTask inserts a pending task. Dependencies must already exist in the
// same workspace; acyclicity is left to the scheduler.
func (r Repo) CreateTask(ctx context.Context, in NewTask) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", domain.ErrInvalid)
	}
	now := r.now()
	t := domain.Task{
		ID:           uuid.NewString(),
		WorkspaceKey: in.WorkspaceKey,
		Title:        title,
		Description:  in.Description,
		Status:       domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if _, err := scanWorkspace(tx.QueryRowContext(ctx, `SELECT key,name,created_at FROM workspaces WHERE key=?`, in.WorkspaceKey)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return t, fmt.Errorf("workspace %s: %w", in.WorkspaceKey, ErrNotFound)
		}
		return t, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,NULL,NULL)`,
		t.ID, t.WorkspaceKey, t.Title, t.Description, string(t.Status), formatTime(now), formatTime(now))
	if err != nil {
		return t, err
	}
	deps, err := r.addDependencies(ctx, tx, t.ID, t.WorkspaceKey, in.Dependencies)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	if err := r.Events.Append(ctx, tx, events.TaskCreated, t.WorkspaceKey, t.ID, events.Payload{"title": t.Title, "dependencies": deps}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// AddDependencies adds edges from taskID to each dep. Existing edges are ignored.
func (r Repo) AddDependencies(ctx context.Context, taskID string, deps []string) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID))
	if err != nil {
		return t, err
	}
	added, err := r.addDependencies(ctx, tx, t.ID, t.WorkspaceKey, deps)
	if err != nil {
		return t, err
	}
	if err := r.Events.Append(ctx, tx, events.TaskDepsAdded, t.WorkspaceKey, t.ID, events.Payload{"dependencies": added}); err != nil {
		return t, err
	}
	if t.Dependencies, err = dependenciesTx(ctx, tx, t.ID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (r Repo) addDependencies(ctx context.Context, tx *sql.Tx, taskID, workspaceKey string, deps []string) ([]string, error) {
	var added []string
	seen := map[string]struct{}{}
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		var ws string
		err := tx.QueryRowContext(ctx, `SELECT workspace_key FROM tasks WHERE id=?`, d).Scan(&ws)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dependency %s: %w", d, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if ws != workspaceKey {
			return nil, fmt.Errorf("%w: dependency %s belongs to workspace %s", domain.ErrInvalid, d, ws)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id, depends_on_id) VALUES (?,?)`, taskID, d); err != nil {
			return nil, err
		}
		added = append(added, d)
	}
	return added, nil
}

func dependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id=? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id=? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// LoadWorkspaceTasks returns every task of the workspace in insertion order
// with its dependency set. Two queries, both read from committed state.
func (r Repo) LoadWorkspaceTasks(ctx context.Context, workspaceKey string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{WorkspaceKey: workspaceKey})
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceKey != "" {
		clauses = append(clauses, "workspace_key=?")
		args = append(args, f.WorkspaceKey)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY rowid`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := r.attachDependencies(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// attachDependencies fills Dependencies for tasks with one query per call.
func (r Repo) attachDependencies(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	idx := make(map[string]int, len(tasks))
	placeholders := make([]string, len(tasks))
	args := make([]any, len(tasks))
	for i, t := range tasks {
		idx[t.ID] = i
		placeholders[i] = "?"
		args[i] = t.ID
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies WHERE task_id IN (`+strings.Join(placeholders, ",")+`) ORDER BY rowid`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return err
		}
		if i, ok := idx[taskID]; ok {
			tasks[i].Dependencies = append(tasks[i].Dependencies, dep)
		}
	}
	return rows.Err()
}

// SaveTaskStatus overwrites status and both timestamps of a task.
func (r Repo) SaveTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, startedAt, completedAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown task status %q", domain.ErrInvalid, status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var ws string
	err = tx.QueryRowContext(ctx, `SELECT workspace_key FROM tasks WHERE id=?`, taskID).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		string(status), nullableTime(startedAt), nullableTime(completedAt), formatTime(r.now()), taskID)
	if err != nil {
		return err
	}
	payload := events.Payload{"status": string(status)}
	if startedAt != nil {
		payload["started_at"] = formatTime(*startedAt)
	}
	if completedAt != nil {
		payload["completed_at"] = formatTime(*completedAt)
	}
	if err := r.Events.Append(ctx, tx, events.TaskStatus, ws, taskID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetTask moves a settled task back to pending. Recorded results are kept.
// A running task is refused unless force is set, which recovers tasks left
// running by a process that died mid-attempt.
func (r Repo) ResetTask(ctx context.Context, taskID string, force bool) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID))
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskRunning && !force {
		return t, fmt.Errorf("%w: task %s is running", domain.ErrConflict, taskID)
	}
	prev := t.Status
	now := r.now()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, started_at=NULL, completed_at=NULL, updated_at=? WHERE id=?`,
		string(domain.TaskPending), formatTime(now), taskID); err != nil {
		return t, err
	}
	if err := r.Events.Append(ctx, tx, events.TaskReset, t.WorkspaceKey, t.ID, events.Payload{"from": string(prev)}); err != nil {
		return t, err
	}
	t.Status = domain.TaskPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.UpdatedAt = now
	if t.Dependencies, err = dependenciesTx(ctx, tx, t.ID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (r Repo) CountTasksByStatus(ctx context.Context, workspaceKey string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE workspace_key=? GROUP BY status`, workspaceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
