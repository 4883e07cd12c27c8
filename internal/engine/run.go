package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"dagline/internal/domain"
	"dagline/internal/graph"
	"dagline/internal/scheduler"
)

const (
	RunRunning  = "running"
	RunFinished = "finished"
)

// Summary describes a run. Outcomes are in completion order; Blocked lists
// tasks never started because a dependency did not reach done.
type Summary struct {
	RunID        string    `json:"run_id"`
	WorkspaceKey string    `json:"workspace"`
	State        string    `json:"state" enum:"running,finished"`
	TaskIDs      []string  `json:"task_ids"`
	Outcomes     []Outcome `json:"outcomes"`
	Blocked      []string  `json:"blocked,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// Count returns how many tasks ended with status.
func (s Summary) Count(status domain.TaskStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Run is a handle on an asynchronous DAG walk.
type Run struct {
	ID           string
	WorkspaceKey string
	TaskIDs      []string
	StartedAt    time.Time

	done    chan struct{}
	summary Summary
}

// Enqueued is the number of tasks the run scheduled.
func (r *Run) Enqueued() int { return len(r.TaskIDs) }

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. Cancelling ctx stops waiting, not the run.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
		return r.summary, nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Snapshot reports the final summary, or a running placeholder.
func (r *Run) Snapshot() Summary {
	select {
	case <-r.done:
		return r.summary
	default:
		return Summary{RunID: r.ID, WorkspaceKey: r.WorkspaceKey, State: RunRunning, TaskIDs: r.TaskIDs, StartedAt: r.StartedAt}
	}
}

// Message is the human summary returned to run triggers.
func (r *Run) Message() string {
	if r.Enqueued() == 0 {
		return "No pending tasks"
	}
	return fmt.Sprintf("Enqueued %d tasks in DAG order", r.Enqueued())
}

// RunWorkspace schedules every pending task of the workspace and starts
// executing them in the background. A cycle fails the call before any task
// is touched. Tasks waiting on a workspace task that is running or failed are
// scheduled but held, and end up in Summary.Blocked with their dependents.
// The run outlives ctx; only Shutdown cancels it.
func (e *Engine) RunWorkspace(ctx context.Context, workspaceKey string) (*Run, error) {
	g, err := e.snapshot(ctx, workspaceKey)
	if err != nil {
		return nil, err
	}
	order, err := scheduler.Order(g)
	if err != nil {
		e.logger.Warn("run rejected", "workspace", workspaceKey, "err", err)
		return nil, err
	}
	run, err := e.start(ctx, workspaceKey, g, order)
	if err != nil {
		return nil, err
	}
	e.logger.Info("run started", "run_id", run.ID, "workspace", workspaceKey, "enqueued", run.Enqueued(), "edges", g.Edges())
	return run, nil
}

// RunTask executes one pending task immediately, ignoring its dependencies.
func (e *Engine) RunTask(ctx context.Context, taskID string) (*Run, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	if task.Status != domain.TaskPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, taskID, task.Status)
	}
	if e.Busy(taskID) {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	// A one-node graph has no in-set edges, so dependencies are not consulted.
	g, err := graph.New([]domain.Task{task})
	if err != nil {
		return nil, err
	}
	run, err := e.start(ctx, task.WorkspaceKey, g, []int{0})
	if err != nil {
		return nil, err
	}
	e.logger.Info("single task run started", "run_id", run.ID, "task_id", taskID)
	return run, nil
}

// LookupRun finds a recent run by id.
func (e *Engine) LookupRun(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *Engine) start(ctx context.Context, workspaceKey string, g *graph.Graph, order []int) (*Run, error) {
	e.mu.Lock()
	if e.base.Err() != nil {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.active.Add(1)
	e.live.Add(1)
	e.mu.Unlock()
	run := &Run{
		ID:           uuid.NewString(),
		WorkspaceKey: workspaceKey,
		TaskIDs:      g.IDs(order),
		StartedAt:    e.now().UTC(),
		done:         make(chan struct{}),
	}
	e.track(run)
	if len(order) == 0 {
		e.finish(run, nil, nil)
		e.live.Add(-1)
		e.active.Done()
		return run, nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.base, cancel)
	go func() {
		defer e.active.Done()
		defer e.live.Add(-1)
		defer cancel()
		defer stop()
		e.dispatch(runCtx, run, g, order)
	}()
	return run, nil
}

func (e *Engine) track(run *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[run.ID] = run
	e.runOrder = append(e.runOrder, run.ID)
	for len(e.runOrder) > keepRuns {
		delete(e.runs, e.runOrder[0])
		e.runOrder = e.runOrder[1:]
	}
}

type finished struct {
	node    int
	outcome Outcome
}

// dispatch starts every task whose in-run dependencies are done, in schedule
// order, and releases dependents as tasks reach done. A held task, or one
// whose dependency does not reach done, keeps its dependents pending. Once ctx
// is cancelled nothing new is started.
func (e *Engine) dispatch(ctx context.Context, run *Run, g *graph.Graph, order []int) {
	remaining := make([]int, g.Len())
	for i := range remaining {
		remaining[i] = g.InDegree(i)
	}
	started := make([]bool, g.Len())
	results := make(chan finished, len(order))
	var wg conc.WaitGroup
	inflight := 0
	launch := func(i int) {
		if g.Held(i) || ctx.Err() != nil {
			return
		}
		started[i] = true
		inflight++
		id := g.ID(i)
		wg.Go(func() {
			results <- finished{node: i, outcome: e.execute(ctx, id)}
		})
	}
	for _, i := range order {
		if remaining[i] == 0 {
			launch(i)
		}
	}
	var outcomes []Outcome
	for inflight > 0 {
		f := <-results
		inflight--
		outcomes = append(outcomes, f.outcome)
		if f.outcome.Status != domain.TaskDone {
			continue
		}
		for _, d := range g.Dependents(f.node) {
			remaining[d]--
			if remaining[d] == 0 && !started[d] {
				launch(d)
			}
		}
	}
	wg.Wait()
	var blocked []string
	for _, i := range order {
		if !started[i] {
			blocked = append(blocked, g.ID(i))
		}
	}
	e.finish(run, outcomes, blocked)
}

func (e *Engine) finish(run *Run, outcomes []Outcome, blocked []string) {
	run.summary = Summary{
		RunID:        run.ID,
		WorkspaceKey: run.WorkspaceKey,
		State:        RunFinished,
		TaskIDs:      run.TaskIDs,
		Outcomes:     outcomes,
		Blocked:      blocked,
		StartedAt:    run.StartedAt,
		FinishedAt:   e.now().UTC(),
	}
	if len(blocked) > 0 {
		e.logger.Warn("run left tasks pending behind unfinished dependencies", "run_id", run.ID, "blocked", len(blocked))
	}
	e.logger.Info("run finished", "run_id", run.ID, "workspace", run.WorkspaceKey, "outcomes", len(outcomes))
	close(run.done)
}
