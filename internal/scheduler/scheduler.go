package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"dagline/internal/domain"
	"dagline/internal/graph"
)

var ErrCycle = errors.New("cycle detected in task dependencies")

// CycleError lists the tasks that could not be placed. Every one of them is on
// a cycle or downstream of one.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	if len(e.Remaining) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %d unscheduled task(s): %s", ErrCycle, len(e.Remaining), strings.Join(e.Remaining, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Order runs Kahn's algorithm over g and returns node indices in execution
// order. Ties resolve first-in-first-out from input order, so equal inputs
// always give equal output. A cycle fails the whole call.
func Order(g *graph.Graph) ([]int, error) {
	n := g.Len()
	indeg := make([]int, n)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		indeg[i] = g.InDegree(i)
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, n)
	for head := 0; head < len(queue); head++ {
		i := queue[head]
		order = append(order, i)
		for _, d := range g.Dependents(i) {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) < n {
		var remaining []string
		for i := 0; i < n; i++ {
			if indeg[i] > 0 {
				remaining = append(remaining, g.ID(i))
			}
		}
		return nil, &CycleError{Remaining: remaining}
	}
	return order, nil
}

// OrderTasks is Order over a plain task slice.
func OrderTasks(tasks []domain.Task) ([]domain.Task, error) {
	g, err := graph.New(tasks)
	if err != nil {
		return nil, err
	}
	order, err := Order(g)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, len(order))
	for k, i := range order {
		out[k] = g.Task(i)
	}
	return out, nil
}
