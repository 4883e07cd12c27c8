// Package graph holds an index-addressed snapshot of a workspace's tasks and
// dependency edges. Nodes are referenced by position, never by pointer.
package graph

import (
	"context"
	"fmt"

	"dagline/internal/domain"
)

// Source is the persistence view the graph is built from.
type Source interface {
	LoadWorkspaceTasks(ctx context.Context, workspaceKey string) ([]domain.Task, error)
}

type Graph struct {
	tasks      []domain.Task
	index      map[string]int
	deps       [][]int
	dependents [][]int
	external   [][]string
	held       []bool
}

// New builds a graph over tasks, preserving their order. Dependency ids that
// are not members of tasks do not become edges; New treats them as satisfied.
func New(tasks []domain.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make([]domain.Task, len(tasks)),
		index:      make(map[string]int, len(tasks)),
		deps:       make([][]int, len(tasks)),
		dependents: make([][]int, len(tasks)),
		external:   make([][]string, len(tasks)),
		held:       make([]bool, len(tasks)),
	}
	for i, t := range tasks {
		if _, dup := g.index[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %s", domain.ErrInvalid, t.ID)
		}
		g.index[t.ID] = i
		g.tasks[i] = t
	}
	for i, t := range tasks {
		seen := make(map[int]struct{}, len(t.Dependencies))
		for _, depID := range t.Dependencies {
			j, ok := g.index[depID]
			if !ok {
				g.external[i] = append(g.external[i], depID)
				continue
			}
			if _, ok := seen[j]; ok {
				continue
			}
			seen[j] = struct{}{}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	return g, nil
}

// Load takes a fresh snapshot of a workspace, keeping tasks accepted by keep
// (all tasks when keep is nil). A kept task whose dependency is a workspace
// task left out of the graph is held unless that dependency is done.
func Load(ctx context.Context, src Source, workspaceKey string, keep func(domain.Task) bool) (*Graph, error) {
	all, err := src.LoadWorkspaceTasks(ctx, workspaceKey)
	if err != nil {
		return nil, err
	}
	tasks := all
	if keep != nil {
		tasks = all[:0:0]
		for _, t := range all {
			if keep(t) {
				tasks = append(tasks, t)
			}
		}
	}
	g, err := New(tasks)
	if err != nil {
		return nil, err
	}
	status := make(map[string]domain.TaskStatus, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}
	for i, ext := range g.external {
		for _, id := range ext {
			if st, ok := status[id]; ok && st != domain.TaskDone {
				g.held[i] = true
				break
			}
		}
	}
	return g, nil
}

// Pending is a keep filter selecting tasks that have not started.
func Pending(t domain.Task) bool { return t.Status == domain.TaskPending }

func (g *Graph) Len() int { return len(g.tasks) }

func (g *Graph) ID(i int) string { return g.tasks[i].ID }

func (g *Graph) Task(i int) domain.Task { return g.tasks[i] }

func (g *Graph) lookup(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Dependencies lists in-graph dependencies of node i. Callers must not modify it.
func (g *Graph) Dependencies(i int) []int { return g.deps[i] }

// Dependents lists nodes that depend on i, in input order.
func (g *Graph) Dependents(i int) []int { return g.dependents[i] }

func (g *Graph) InDegree(i int) int { return len(g.deps[i]) }

// Held reports whether node i waits on a task outside the graph that has not
// reached done. Held nodes and everything downstream of them must not start.
func (g *Graph) Held(i int) bool { return g.held[i] }

func (g *Graph) Edges() int {
	n := 0
	for _, d := range g.deps {
		n += len(d)
	}
	return n
}

// IDs maps node indices to task ids.
func (g *Graph) IDs(nodes []int) []string {
	out := make([]string, len(nodes))
	for k, i := range nodes {
		out[k] = g.tasks[i].ID
	}
	return out
}
