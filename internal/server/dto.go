package server

import (
	"time"

	"dagline/internal/domain"
	"dagline/internal/engine"
)

// Request payloads

type CreateWorkspaceRequest struct {
	Key  string `json:"key" minLength:"1"`
	Name string `json:"name,omitempty"`
}

type RenameWorkspaceRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type AddDependenciesRequest struct {
	Dependencies []string `json:"dependencies" minItems:"1"`
}

// Responses

type RunResponse struct {
	Message  string   `json:"message" example:"Enqueued 3 tasks in DAG order"`
	RunID    string   `json:"run_id"`
	TaskIDs  []string `json:"task_ids"`
	Enqueued int      `json:"enqueued"`
}

type OrderResponse struct {
	Workspace string        `json:"workspace"`
	Tasks     []domain.Task `json:"tasks"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status string    `json:"status" example:"ok"`
	Time   time.Time `json:"time"`
	// DroppedUpdates counts task updates lost to slow subscribers since start.
	DroppedUpdates int64 `json:"dropped_updates"`
}

func runResponse(run *engine.Run) RunResponse {
	ids := run.TaskIDs
	if ids == nil {
		ids = []string{}
	}
	return RunResponse{
		Message:  run.Message(),
		RunID:    run.ID,
		TaskIDs:  ids,
		Enqueued: run.Enqueued(),
	}
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
