package daglinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dagline/internal/app"
	"dagline/internal/domain"
	"dagline/internal/executor"
	"dagline/internal/server"
	daglinesdk "dagline/sdk/go"
)

func newClient(t *testing.T) *daglinesdk.Client {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		DataDir:  t.TempDir(),
		LogLevel: "error",
		Executor: executor.Func(func(_ context.Context, task domain.Task, _ int) (string, error) {
			return "done " + task.Title, nil
		}),
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := server.New(server.Config{Engine: a.Engine, Repo: a.Repo, Hub: a.Hub, Logger: a.Logger})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Engine.Drain(ctx)
		a.Close()
	})
	return daglinesdk.New(srv.URL)
}

func TestClientRunsWorkspace(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	if _, err := c.CreateWorkspace(ctx, "sdk", "SDK"); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	a, err := c.CreateTask(ctx, "sdk", "a", "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := c.CreateTask(ctx, "sdk", "b", "second", a.ID)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if len(b.Dependencies) != 1 || b.Dependencies[0] != a.ID {
		t.Fatalf("unexpected deps %+v", b)
	}
	order, err := c.Order(ctx, "sdk")
	if err != nil || len(order) != 2 || order[0].ID != a.ID {
		t.Fatalf("order: %v %+v", err, order)
	}
	ack, err := c.RunWorkspace(ctx, "sdk")
	if err != nil || ack.Enqueued != 2 {
		t.Fatalf("run: %v %+v", err, ack)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sum, err := c.WaitRun(waitCtx, ack.RunID, 20*time.Millisecond)
	if err != nil || len(sum.Outcomes) != 2 {
		t.Fatalf("wait: %v %+v", err, sum)
	}
	results, err := c.Results(ctx, b.ID)
	if err != nil || len(results) != 1 || results[0].Output != "done b" {
		t.Fatalf("results: %v %+v", err, results)
	}
	m, err := c.Metrics(ctx, "sdk")
	if err != nil || m.TasksByStatus["done"] != 2 {
		t.Fatalf("metrics: %v %+v", err, m)
	}
	page, err := c.EventsPage(ctx, "sdk", 5, "")
	if err != nil || len(page.Items) != 5 || page.NextCursor == "" {
		t.Fatalf("events: %v %+v", err, page)
	}
}

func TestClientSurfacesErrorCodes(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.GetWorkspace(ctx, "missing")
	var apiErr *daglinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, err := c.CreateWorkspace(ctx, "cyc", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	x, _ := c.CreateTask(ctx, "cyc", "x", "")
	y, _ := c.CreateTask(ctx, "cyc", "y", "", x.ID)
	if _, err := c.AddDependencies(ctx, x.ID, y.ID); err != nil {
		t.Fatalf("add deps: %v", err)
	}
	if _, err := c.RunWorkspace(ctx, "cyc"); !daglinesdk.IsCode(err, "cycle_detected") {
		t.Fatalf("expected cycle_detected, got %v", err)
	}
}
