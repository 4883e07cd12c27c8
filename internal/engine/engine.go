package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dagline/internal/domain"
	"dagline/internal/graph"
	"dagline/internal/retry"
	"dagline/internal/scheduler"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskBusy          = errors.New("task already has an attempt in flight")
	ErrNotPending        = errors.New("task is not pending")
	ErrStopped           = errors.New("engine is shut down")
)

// AttemptError is the failure of a single attempt.
type AttemptError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Store is the persistence the engine needs. Implementations must make each
// write atomic.
type Store interface {
	GetWorkspace(ctx context.Context, key string) (domain.Workspace, error)
	LoadWorkspaceTasks(ctx context.Context, workspaceKey string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SaveTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, startedAt, completedAt *time.Time) error
	AppendExecutionResult(ctx context.Context, res domain.ExecutionResult) error
	WorkspaceMetrics(ctx context.Context, workspaceKey string) (domain.Metrics, error)
}

// Publisher delivers task updates to observers. Errors are logged and ignored.
type Publisher interface {
	Publish(workspaceKey string, update domain.TaskUpdate) error
}

type Executor interface {
	Execute(ctx context.Context, task domain.Task, attempt int) (string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, domain.TaskUpdate) error { return nil }

const keepRuns = 128

type Engine struct {
	store  Store
	pub    Publisher
	exec   Executor
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	inflight sync.Map
	active   sync.WaitGroup
	live     atomic.Int32

	// base is cancelled by Shutdown; every run context follows it.
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*Run
	runOrder []string
}

type Option func(*Engine)

func WithPolicy(p retry.Policy) Option { return func(e *Engine) { e.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces the wall clock and the backoff timer.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
		if after != nil {
			e.after = after
		}
	}
}

func New(store Store, pub Publisher, exec Executor, opts ...Option) *Engine {
	if pub == nil {
		pub = nopPublisher{}
	}
	e := &Engine{
		store:  store,
		pub:    pub,
		exec:   exec,
		policy: retry.Default(),
		logger: slog.Default(),
		now:    time.Now,
		after:  time.After,
		runs:   make(map[string]*Run),
	}
	e.base, e.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() retry.Policy { return e.policy }

// Order returns the pending tasks of a workspace in the order a run would
// enqueue them, without executing anything.
func (e *Engine) Order(ctx context.Context, workspaceKey string) ([]domain.Task, error) {
	g, err := e.snapshot(ctx, workspaceKey)
	if err != nil {
		return nil, err
	}
	order, err := scheduler.Order(g)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, len(order))
	for k, i := range order {
		out[k] = g.Task(i)
	}
	return out, nil
}

// Metrics aggregates task and attempt statistics for a workspace.
func (e *Engine) Metrics(ctx context.Context, workspaceKey string) (domain.Metrics, error) {
	if err := e.checkWorkspace(ctx, workspaceKey); err != nil {
		return domain.Metrics{}, err
	}
	return e.store.WorkspaceMetrics(ctx, workspaceKey)
}

func (e *Engine) checkWorkspace(ctx context.Context, key string) error {
	if _, err := e.store.GetWorkspace(ctx, key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, key)
		}
		return err
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context, workspaceKey string) (*graph.Graph, error) {
	if err := e.checkWorkspace(ctx, workspaceKey); err != nil {
		return nil, err
	}
	return graph.Load(ctx, e.store, workspaceKey, graph.Pending)
}

// Drain blocks until every run started by this engine has finished or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	if e.live.Load() == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for active runs until ctx ends, then cancels the runs still
// going and gives their attempts up to grace to record how they ended.
// Cancelled tasks end failed; tasks not yet started stay pending. No run can
// start once Shutdown has been called.
func (e *Engine) Shutdown(ctx context.Context, grace time.Duration) error {
	drainErr := e.Drain(ctx)
	e.mu.Lock()
	e.stop()
	e.mu.Unlock()
	if n := e.live.Load(); n > 0 {
		e.logger.Warn("cancelling active runs", "runs", n, "err", drainErr)
	}
	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := e.Drain(graceCtx); err != nil {
		return fmt.Errorf("runs still active after cancel: %w", err)
	}
	return nil
}

// Busy reports whether the task has an attempt in flight in this process.
func (e *Engine) Busy(taskID string) bool {
	_, ok := e.inflight.Load(taskID)
	return ok
}

func (e *Engine) claim(taskID string) bool {
	_, loaded := e.inflight.LoadOrStore(taskID, struct{}{})
	return !loaded
}

func (e *Engine) release(taskID string) { e.inflight.Delete(taskID) }

func (e *Engine) publish(task domain.Task, status domain.TaskStatus, attempt int, output, errMsg string) {
	update := domain.TaskUpdate{
		TaskID:       task.ID,
		WorkspaceKey: task.WorkspaceKey,
		Status:       status,
		Output:       output,
		Error:        errMsg,
		RetryCount:   attempt,
		TS:           e.now().UTC(),
	}
	if err := e.pub.Publish(task.WorkspaceKey, update); err != nil {
		e.logger.Warn("publish task update", "task_id", task.ID, "workspace", task.WorkspaceKey, "status", status, "err", err)
	}
}
