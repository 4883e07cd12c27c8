package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dagline/internal/db"
	"dagline/internal/domain"
	"dagline/internal/engine"
	"dagline/internal/executor"
	"dagline/internal/fanout"
	"dagline/internal/logging"
	"dagline/internal/migrate"
	"dagline/internal/repo"
	"dagline/internal/retry"
)

func newSQLiteEngine(t *testing.T, exec engine.Executor) (repo.Repo, *fanout.Hub, *engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	hub := fanout.NewHub(logging.Discard(), 256)
	eng := engine.New(r, hub, exec,
		engine.WithPolicy(retry.Policy{MaxRetries: 2, Base: time.Millisecond}),
		engine.WithLogger(logging.Discard()),
	)
	return r, hub, eng
}

func TestRunWorkspaceAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	r, hub, eng := newSQLiteEngine(t, executor.Func(func(_ context.Context, task domain.Task, attempt int) (string, error) {
		if task.Title == "flaky" && attempt == 0 {
			return "", errors.New("first try fails")
		}
		return "built " + task.Title, nil
	}))
	if _, err := r.CreateWorkspace(ctx, "build", "Build"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	fetch, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "build", Title: "fetch"})
	if err != nil {
		t.Fatalf("create fetch: %v", err)
	}
	flaky, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "build", Title: "flaky", Dependencies: []string{fetch.ID}})
	if err != nil {
		t.Fatalf("create flaky: %v", err)
	}
	pkg, err := r.CreateTask(ctx, repo.NewTask{WorkspaceKey: "build", Title: "package", Dependencies: []string{fetch.ID, flaky.ID}})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}

	sub := hub.Subscribe("build")
	defer sub.Close()

	run, err := eng.RunWorkspace(ctx, "build")
	if err != nil {
		t.Fatalf("run workspace: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sum, err := run.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sum.Count(domain.TaskDone) != 3 {
		t.Fatalf("expected 3 done tasks, got %+v", sum.Outcomes)
	}

	for _, id := range []string{fetch.ID, flaky.ID, pkg.ID} {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != domain.TaskDone || task.StartedAt == nil || task.CompletedAt == nil || task.StartedAt.After(*task.CompletedAt) {
			t.Fatalf("task %s not settled correctly: %+v", task.Title, task)
		}
	}
	results, err := r.ListResults(ctx, flaky.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 || results[0].Status != domain.ResultRetry || results[1].Status != domain.ResultSuccess || results[1].RetryCount != 1 {
		t.Fatalf("unexpected flaky results %+v", results)
	}

	m, err := eng.Metrics(ctx, "build")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalTasks != 3 || m.TasksByStatus["done"] != 3 || m.ExecutionResults["success"] != 3 || m.ExecutionResults["retry"] != 1 || m.TotalRetries != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	var doneSeen int
	for doneSeen < 3 {
		select {
		case u := <-sub.Events():
			if u.Status == domain.TaskDone {
				doneSeen++
				if u.Output == "" {
					t.Fatalf("done update without output: %+v", u)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw %d done updates", doneSeen)
		}
	}

	again, err := eng.RunWorkspace(ctx, "build")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Enqueued() != 0 {
		t.Fatalf("second run should be a no-op, enqueued %d", again.Enqueued())
	}
}
