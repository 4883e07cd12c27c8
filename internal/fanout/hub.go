// Package fanout broadcasts task updates to the observers of a workspace.
//
// A Hub is created once per process and handed to whoever publishes or
// subscribes. Subscribers only see updates published after they joined.
// Publishing never blocks: an observer whose buffer is full misses the update.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"dagline/internal/domain"
)

// AllWorkspaces subscribes to updates from every workspace.
const AllWorkspaces = "*"

const DefaultBuffer = 64

type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Subscription]struct{}
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64
}

type Subscription struct {
	hub       *Hub
	workspace string
	ch        chan domain.TaskUpdate
	once      sync.Once
}

func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe joins the workspace's group. Close the subscription when done.
func (h *Hub) Subscribe(workspaceKey string) *Subscription {
	s := &Subscription{
		hub:       h,
		workspace: workspaceKey,
		ch:        make(chan domain.TaskUpdate, h.buffer),
	}
	h.mu.Lock()
	group, ok := h.groups[workspaceKey]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[workspaceKey] = group
	}
	group[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Events yields updates until the subscription is closed.
func (s *Subscription) Events() <-chan domain.TaskUpdate { return s.ch }

func (s *Subscription) Workspace() string { return s.workspace }

// Close leaves the group and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if group, ok := h.groups[s.workspace]; ok {
			delete(group, s)
			if len(group) == 0 {
				delete(h.groups, s.workspace)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

// Publish hands update to every current subscriber of workspaceKey and of
// AllWorkspaces. It never fails; slow observers lose the update.
func (h *Hub) Publish(workspaceKey string, update domain.TaskUpdate) error {
	if update.WorkspaceKey == "" {
		update.WorkspaceKey = workspaceKey
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.groups[workspaceKey], update)
	if workspaceKey != AllWorkspaces {
		h.deliver(h.groups[AllWorkspaces], update)
	}
	return nil
}

func (h *Hub) deliver(group map[*Subscription]struct{}, update domain.TaskUpdate) {
	for s := range group {
		select {
		case s.ch <- update:
		default:
			h.dropped.Add(1)
			h.logger.Warn("fanout: subscriber buffer full, update dropped",
				"workspace", s.workspace, "task_id", update.TaskID, "status", update.Status)
		}
	}
}

// Subscribers counts the current observers of a workspace group.
func (h *Hub) Subscribers(workspaceKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[workspaceKey])
}

// Dropped is the number of updates lost to full buffers since start.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
