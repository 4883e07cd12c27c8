package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dagline/internal/config"
	"dagline/internal/engine"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron accepts standard five-field expressions only.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Run is the part of a run handle the scheduler watches.
type Run interface {
	Done() <-chan struct{}
	Enqueued() int
}

type RunFunc func(ctx context.Context, workspaceKey string) (Run, error)

// ForEngine triggers e.RunWorkspace.
func ForEngine(e *engine.Engine) RunFunc {
	return func(ctx context.Context, key string) (Run, error) {
		run, err := e.RunWorkspace(ctx, key)
		if err != nil {
			return nil, err
		}
		return run, nil
	}
}

type Entry struct {
	Workspace string    `json:"workspace"`
	Cron      string    `json:"cron"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
}

// Scheduler starts workspace runs on cron schedules. A tick is skipped while
// the previous scheduled run of the same workspace is still going.
type Scheduler struct {
	run    RunFunc
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[cron.EntryID]config.ScheduleConfig
	active  map[string]Run

	ctx context.Context
}

func New(run RunFunc, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		run:     run,
		logger:  logger,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(location)),
		entries: make(map[cron.EntryID]config.ScheduleConfig),
		active:  make(map[string]Run),
	}
}

// Add registers a schedule. It may be called before or after Start.
func (s *Scheduler) Add(workspaceKey, expr string) (cron.EntryID, error) {
	if strings.TrimSpace(workspaceKey) == "" {
		return 0, fmt.Errorf("workspace is required")
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.trigger(workspaceKey) }))
	s.mu.Lock()
	s.entries[id] = config.ScheduleConfig{Workspace: workspaceKey, Cron: expr}
	s.mu.Unlock()
	s.logger.Info("schedule added", "workspace", workspaceKey, "cron", expr)
	return id, nil
}

// Load adds every configured schedule, stopping at the first invalid one.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	for i, sc := range schedules {
		if _, err := s.Add(sc.Workspace, sc.Cron); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}

// Start begins the cron loop. ctx is passed to every triggered run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the cron loop; the returned context ends once running jobs return.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, ce := range s.cron.Entries() {
		sc, ok := s.entries[ce.ID]
		if !ok {
			continue
		}
		out = append(out, Entry{Workspace: sc.Workspace, Cron: sc.Cron, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workspace < out[j].Workspace })
	return out
}

func (s *Scheduler) trigger(workspaceKey string) {
	s.mu.Lock()
	if prev, ok := s.active[workspaceKey]; ok {
		select {
		case <-prev.Done():
			delete(s.active, workspaceKey)
		default:
			s.mu.Unlock()
			s.logger.Info("skipping scheduled run, previous run still active", "workspace", workspaceKey)
			return
		}
	}
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	run, err := s.run(ctx, workspaceKey)
	if err != nil {
		s.logger.Error("scheduled run failed to start", "workspace", workspaceKey, "err", err)
		return
	}
	s.logger.Info("scheduled run started", "workspace", workspaceKey, "enqueued", run.Enqueued())
	s.mu.Lock()
	s.active[workspaceKey] = run
	s.mu.Unlock()
}
