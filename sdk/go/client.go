package daglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal dagline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Workspace struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents the API task model.
type Task struct {
	ID           string     `json:"id"`
	Workspace    string     `json:"workspace"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	Dependencies []string   `json:"dependencies"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type Result struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	Status       string     `json:"status"`
	Output       string     `json:"output"`
	ErrorMessage string     `json:"error_message"`
	RetryCount   int        `json:"retry_count"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunAck is returned by run triggers.
type RunAck struct {
	Message  string   `json:"message"`
	RunID    string   `json:"run_id"`
	TaskIDs  []string `json:"task_ids"`
	Enqueued int      `json:"enqueued"`
}

type Outcome struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type RunSummary struct {
	RunID      string    `json:"run_id"`
	Workspace  string    `json:"workspace"`
	State      string    `json:"state"`
	TaskIDs    []string  `json:"task_ids"`
	Outcomes   []Outcome `json:"outcomes"`
	Blocked    []string  `json:"blocked"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Metrics struct {
	Workspace            string         `json:"workspace"`
	TotalTasks           int            `json:"total_tasks"`
	TasksByStatus        map[string]int `json:"tasks_by_status"`
	ExecutionResults     map[string]int `json:"execution_results"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	AvgTaskDuration      float64        `json:"avg_task_duration_seconds"`
	TotalRetries         int            `json:"total_retries"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
	Payload   string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func (c *Client) CreateWorkspace(ctx context.Context, key, name string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces", map[string]any{"key": key, "name": name}, &resp)
	return resp, err
}

func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var resp []Workspace
	err := c.do(ctx, http.MethodGet, "workspaces", nil, &resp)
	return resp, err
}

func (c *Client) GetWorkspace(ctx context.Context, key string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodGet, workspacePath(key, ""), nil, &resp)
	return resp, err
}

func (c *Client) RenameWorkspace(ctx context.Context, key, name string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPatch, workspacePath(key, ""), map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateTask creates a task in a workspace.
func (c *Client) CreateTask(ctx context.Context, workspace, title, description string, dependencies ...string) (Task, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	if len(dependencies) > 0 {
		body["dependencies"] = dependencies
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, workspacePath(workspace, "tasks"), body, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, workspace, status string) ([]Task, error) {
	endpoint := workspacePath(workspace, "tasks")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) AddDependencies(ctx context.Context, id string, dependencies ...string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "dependencies"), map[string]any{"dependencies": dependencies}, &resp)
	return resp, err
}

func (c *Client) ResetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "reset"), nil, &resp)
	return resp, err
}

// Results returns every recorded attempt of a task.
func (c *Client) Results(ctx context.Context, id string) ([]Result, error) {
	var resp []Result
	err := c.do(ctx, http.MethodGet, taskPath(id, "results"), nil, &resp)
	return resp, err
}

// Order returns the pending tasks in the order a run would start them.
func (c *Client) Order(ctx context.Context, workspace string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, workspacePath(workspace, "order"), nil, &resp)
	return resp.Tasks, err
}

func (c *Client) RunWorkspace(ctx context.Context, workspace string) (RunAck, error) {
	var resp RunAck
	err := c.do(ctx, http.MethodPost, workspacePath(workspace, "run"), nil, &resp)
	return resp, err
}

func (c *Client) RunTask(ctx context.Context, id string) (RunAck, error) {
	var resp RunAck
	err := c.do(ctx, http.MethodPost, taskPath(id, "run"), nil, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	var resp RunSummary
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// WaitRun polls a run until it finishes or ctx ends.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (RunSummary, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sum, err := c.GetRun(ctx, runID)
		if err != nil || sum.State == "finished" {
			return sum, err
		}
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Metrics(ctx context.Context, workspace string) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, workspacePath(workspace, "metrics"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, workspace string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := workspacePath(workspace, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func workspacePath(key, p string) string {
	out := "workspaces/" + url.PathEscape(key)
	if p != "" {
		out += "/" + p
	}
	return out
}

func taskPath(id, p string) string {
	out := "tasks/" + url.PathEscape(id)
	if p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
