package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dagline/internal/db"
	"dagline/internal/domain"
	"dagline/internal/migrate"
	"dagline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn), ctx
}

func TestWorkspaceLifecycle(t *testing.T) {
	r, ctx := newTestRepo(t)
	ws, err := r.CreateWorkspace(ctx, "ops", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ws.Name != "ops" {
		t.Fatalf("name should default to key, got %q", ws.Name)
	}
	if _, err := r.CreateWorkspace(ctx, "ops", "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	renamed, err := r.RenameWorkspace(ctx, "ops", "Operations")
	if err != nil || renamed.Name != "Operations" {
		t.Fatalf("rename: %v %+v", err, renamed)
	}
	if _, err := r.RenameWorkspace(ctx, "nope", "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := r.ListWorkspaces(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
}

func TestCreateTaskValidatesDependencies(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, key := range []string{"a", "b"} {
		if _, err := r.CreateWorkspace(ctx, key, key); err != nil {
			t.Fatalf("create workspace: %v", err)
		}
	}
	other, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "b", Title: "foreign"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "a", Title: "x", Dependencies: []string{other.ID}}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("cross-workspace dependency should be invalid, got %v", err)
	}
	if _, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "a", Title: "x", Dependencies: []string{"missing"}}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing dependency should be not found, got %v", err)
	}
	if _, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "zzz", Title: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing workspace should be not found, got %v", err)
	}
	if _, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "a", Title: "  "}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("blank title should be invalid, got %v", err)
	}
	tasks, err := r.ListTasks(ctx, repo.TaskFilters{WorkspaceKey: "a"})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("failed creates must not leave rows: %v %+v", err, tasks)
	}
}

func TestLoadWorkspaceTasksKeepsInsertionOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.CreateWorkspace(ctx, "w", "w"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	var ids []string
	for _, title := range []string{"zeta", "alpha", "mid"} {
		var deps []string
		if len(ids) > 0 {
			deps = []string{ids[0]}
		}
		task, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "w", Title: title, Dependencies: deps})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := r.AddDependencies(ctx, ids[2], []string{ids[1]}); err != nil {
		t.Fatalf("add deps: %v", err)
	}
	tasks, err := r.LoadWorkspaceTasks(ctx, "w")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 3 || tasks[0].Title != "zeta" || tasks[1].Title != "alpha" || tasks[2].Title != "mid" {
		t.Fatalf("unexpected order %+v", tasks)
	}
	if len(tasks[2].Dependencies) != 2 || tasks[2].Dependencies[0] != ids[0] || tasks[2].Dependencies[1] != ids[1] {
		t.Fatalf("unexpected deps %+v", tasks[2].Dependencies)
	}
	found, err := r.ListTasks(ctx, repo.TaskFilters{WorkspaceKey: "w", Search: "alp"})
	if err != nil || len(found) != 1 || found[0].ID != ids[1] {
		t.Fatalf("search: %v %+v", err, found)
	}
}

func TestStatusResultsAndMetrics(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.CreateWorkspace(ctx, "w", "w"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	task, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "w", Title: "job"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "w", Title: "idle"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mid := start.Add(2 * time.Second)
	end := start.Add(5 * time.Second)
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskRunning, &start, nil); err != nil {
		t.Fatalf("save running: %v", err)
	}
	if err := r.AppendExecutionResult(ctx, domain.ExecutionResult{TaskID: task.ID, Status: domain.ResultRetry, ErrorMessage: "flaky", RetryCount: 0, StartedAt: start, CompletedAt: &mid}); err != nil {
		t.Fatalf("append retry: %v", err)
	}
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskDone, &start, &end); err != nil {
		t.Fatalf("save done: %v", err)
	}
	if err := r.AppendExecutionResult(ctx, domain.ExecutionResult{TaskID: task.ID, Status: domain.ResultSuccess, Output: "ok", RetryCount: 1, StartedAt: mid, CompletedAt: &end}); err != nil {
		t.Fatalf("append success: %v", err)
	}
	if err := r.SaveTaskStatus(ctx, "missing", domain.TaskDone, &start, &end); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.AppendExecutionResult(ctx, domain.ExecutionResult{TaskID: task.ID, Status: "weird", StartedAt: start}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid result status, got %v", err)
	}

	got, err := r.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskDone || !got.StartedAt.Equal(start) || !got.CompletedAt.Equal(end) {
		t.Fatalf("unexpected task %+v", got)
	}
	results, err := r.ListResults(ctx, task.ID)
	if err != nil || len(results) != 2 || results[0].Status != domain.ResultRetry || results[1].Output != "ok" {
		t.Fatalf("results: %v %+v", err, results)
	}

	m, err := r.WorkspaceMetrics(ctx, "w")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalTasks != 2 || m.TasksByStatus["done"] != 1 || m.TasksByStatus["pending"] != 1 || m.TasksByStatus["failed"] != 0 {
		t.Fatalf("task counts %+v", m)
	}
	if m.ExecutionResults["success"] != 1 || m.ExecutionResults["retry"] != 1 || m.ExecutionResults["failure"] != 0 {
		t.Fatalf("result counts %+v", m.ExecutionResults)
	}
	if m.TotalDurationSeconds != 5 || m.AvgTaskDuration != 2.5 || m.TotalRetries != 1 {
		t.Fatalf("durations %+v", m)
	}

	reset, err := r.ResetTask(ctx, task.ID, false)
	if err != nil || reset.Status != domain.TaskPending || reset.StartedAt != nil {
		t.Fatalf("reset: %v %+v", err, reset)
	}
	if results, _ := r.ListResults(ctx, task.ID); len(results) != 2 {
		t.Fatalf("reset must keep results")
	}

	evts, err := r.ListEvents(ctx, repo.EventFilters{WorkspaceKey: "w", TaskID: task.ID, Limit: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 6 || evts[0].Type != "task.reset" {
		t.Fatalf("unexpected audit trail %+v", evts)
	}
}

func TestResetRejectsRunningTask(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.CreateWorkspace(ctx, "w", "w"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	task, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "w", Title: "job"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now()
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskRunning, &now, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := r.ResetTask(ctx, task.ID, false); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	forced, err := r.ResetTask(ctx, task.ID, true)
	if err != nil || forced.Status != domain.TaskPending {
		t.Fatalf("forced reset: %v %+v", err, forced)
	}
}

func TestListResultsSpansReset(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.CreateWorkspace(ctx, "w", "w"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	task, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "w", Title: "job"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := base.Add(d)
		return &ts
	}
	write := func(status domain.ResultStatus, retry int, started, completed time.Duration) {
		t.Helper()
		if err := r.AppendExecutionResult(ctx, domain.ExecutionResult{TaskID: task.ID, Status: status, RetryCount: retry, StartedAt: *at(started), CompletedAt: at(completed)}); err != nil {
			t.Fatalf("append %s: %v", status, err)
		}
	}
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskRunning, at(0), nil); err != nil {
		t.Fatalf("running: %v", err)
	}
	write(domain.ResultRetry, 0, 0, 5*time.Second)
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskFailed, at(0), at(10*time.Second)); err != nil {
		t.Fatalf("failed: %v", err)
	}
	write(domain.ResultFailure, 1, 6*time.Second, 10*time.Second)
	if _, err := r.ResetTask(ctx, task.ID, false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskRunning, at(time.Minute), nil); err != nil {
		t.Fatalf("running again: %v", err)
	}
	if err := r.SaveTaskStatus(ctx, task.ID, domain.TaskDone, at(time.Minute), at(61*time.Second)); err != nil {
		t.Fatalf("done: %v", err)
	}
	write(domain.ResultSuccess, 0, time.Minute, 61*time.Second)

	results, err := r.ListResults(ctx, task.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	var got []domain.ResultStatus
	for _, res := range results {
		got = append(got, res.Status)
	}
	if diff := cmp.Diff([]domain.ResultStatus{domain.ResultRetry, domain.ResultFailure, domain.ResultSuccess}, got); diff != "" {
		t.Fatalf("result order (-want +got):\n%s", diff)
	}
}
