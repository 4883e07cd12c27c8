package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkspaceCreated = "workspace.created"
	WorkspaceRenamed = "workspace.renamed"
	TaskCreated      = "task.created"
	TaskDepsAdded    = "task.dependencies_added"
	TaskStatus       = "task.status"
	TaskResult       = "task.result"
	TaskReset        = "task.reset"
)

// Writer appends audit rows inside the caller's transaction so the row
// commits or rolls back together with the change it describes.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceKey, taskID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_key,task_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(workspaceKey), nullable(taskID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
