package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dagline/internal/domain"
	"dagline/internal/engine"
	"dagline/internal/fanout"
	"dagline/internal/repo"
	"dagline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	Hub      *fanout.Hub
	Logger   *slog.Logger
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_detected"`
	Message string         `json:"message" example:"cycle detected in task dependencies"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func respond[T any](v T) *bodyOutput[T] { return &bodyOutput[T]{Body: v} }

// New returns an HTTP handler exposing the dagline API and the workspace
// websocket stream.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Hub == nil || cfg.Repo.DB == nil {
		return nil, errors.New("server: engine, hub and repo are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("dagline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerWorkspaces(group, cfg)
	registerTasks(group, cfg)
	registerRuns(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)
	registerWebsocket(router, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *scheduler.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), map[string]any{"remaining": ce.Remaining})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrWorkspaceNotFound),
		errors.Is(err, engine.ErrTaskNotFound),
		errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", msg, nil)
	case errors.Is(err, engine.ErrTaskBusy):
		return newAPIError(http.StatusConflict, "task_busy", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// writeError renders the envelope on handlers that live outside huma.
func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	json.NewEncoder(w).Encode(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>dagline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[HealthResponse], error) {
		return respond(HealthResponse{Status: "ok", Time: time.Now().UTC(), DroppedUpdates: cfg.Hub.Dropped()}), nil
	})
}

type workspacePath struct {
	Key string `path:"key"`
}

type taskPath struct {
	ID string `path:"id"`
}

func registerWorkspaces(api huma.API, cfg Config) {
	r := cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest
	}) (*bodyOutput[domain.Workspace], error) {
		ws, err := r.CreateWorkspace(ctx, input.Body.Key, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.Workspace], error) {
		items, err := r.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Workspace{}
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{key}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*bodyOutput[domain.Workspace], error) {
		ws, err := r.GetWorkspace(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-workspace",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{key}",
		Summary:     "Rename workspace",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body RenameWorkspaceRequest
	}) (*bodyOutput[domain.Workspace], error) {
		ws, err := r.RenameWorkspace(ctx, input.Key, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-metrics",
		Method:      http.MethodGet,
		Path:        "/workspaces/{key}/metrics",
		Summary:     "Workspace execution metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workspacePath) (*bodyOutput[domain.Metrics], error) {
		m, err := cfg.Engine.Metrics(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-order",
		Method:      http.MethodGet,
		Path:        "/workspaces/{key}/order",
		Summary:     "Pending tasks in execution order",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workspacePath) (*bodyOutput[OrderResponse], error) {
		tasks, err := cfg.Engine.Order(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(OrderResponse{Workspace: input.Key, Tasks: nonNilTasks(tasks)}), nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	r := cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/workspaces/{key}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body CreateTaskRequest
	}) (*bodyOutput[domain.Task], error) {
		t, err := r.CreateTask(ctx, repo.NewTask{
			WorkspaceKey: input.Key,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Dependencies: input.Body.Dependencies,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{key}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		Status string `query:"status" enum:"pending,running,done,failed"`
		Search string `query:"q"`
		Limit  int    `query:"limit" minimum:"0"`
	}) (*bodyOutput[[]domain.Task], error) {
		if _, err := r.GetWorkspace(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListTasks(ctx, repo.TaskFilters{
			WorkspaceKey: input.Key,
			Status:       input.Status,
			Search:       input.Search,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilTasks(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[domain.Task], error) {
		t, err := r.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-results",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/results",
		Summary:     "Execution results of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[[]domain.ExecutionResult], error) {
		if _, err := r.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListResults(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ExecutionResult{}
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task-dependencies",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "Add dependencies to a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AddDependenciesRequest
	}) (*bodyOutput[domain.Task], error) {
		t, err := r.AddDependencies(ctx, input.ID, input.Body.Dependencies)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reset",
		Summary:     "Return a finished task to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[domain.Task], error) {
		if cfg.Engine.Busy(input.ID) {
			return nil, handleError(fmt.Errorf("%w: %s", engine.ErrTaskBusy, input.ID))
		}
		t, err := r.ResetTask(ctx, input.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "run-workspace",
		Method:      http.MethodPost,
		Path:        "/workspaces/{key}/run",
		Summary:     "Execute every pending task in dependency order",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workspacePath) (*bodyOutput[RunResponse], error) {
		run, err := e.RunWorkspace(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(runResponse(run)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/run",
		Summary:     "Execute one pending task now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[RunResponse], error) {
		run, err := e.RunTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(runResponse(run)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Run summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[engine.Summary], error) {
		run, ok := e.LookupRun(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", map[string]any{"run_id": input.ID})
		}
		return respond(run.Snapshot()), nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{key}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		Type   string `query:"type"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		if _, err := cfg.Repo.GetWorkspace(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := cfg.Repo.ListEvents(ctx, repo.EventFilters{
			WorkspaceKey: input.Key,
			TaskID:       input.TaskID,
			Type:         input.Type,
			Cursor:       cursorID,
			Limit:        limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
