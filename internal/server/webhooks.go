package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"dagline/internal/config"
	"dagline/internal/domain"
	"dagline/internal/fanout"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhooks forwards task updates from the hub to configured HTTP endpoints.
// A delivery that fails is logged and dropped.
type Webhooks struct {
	logger *slog.Logger
	client *http.Client
	subs   []*fanout.Subscription
	wg     conc.WaitGroup
}

// StartWebhooks subscribes every enabled hook to its workspaces, or to all
// workspaces when none are listed.
func StartWebhooks(hub *fanout.Hub, hooks []config.WebhookConfig, logger *slog.Logger) *Webhooks {
	w := &Webhooks{
		logger: logger,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
	for _, hook := range hooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		keys := hook.Workspaces
		if len(keys) == 0 {
			keys = []string{fanout.AllWorkspaces}
		}
		filter := newEventFilter(hook.Events)
		for _, key := range keys {
			sub := hub.Subscribe(key)
			w.subs = append(w.subs, sub)
			w.wg.Go(func() { w.forward(sub, hook, filter) })
		}
	}
	return w
}

// Stop unsubscribes and waits for in-flight deliveries.
func (w *Webhooks) Stop() {
	for _, sub := range w.subs {
		sub.Close()
	}
	w.wg.Wait()
}

func (w *Webhooks) forward(sub *fanout.Subscription, hook config.WebhookConfig, filter eventFilter) {
	for update := range sub.Events() {
		evtType := webhookEventType(update.Status)
		if !filter.match(evtType) {
			continue
		}
		if err := w.post(context.Background(), hook, evtType, update); err != nil {
			w.logger.Warn("webhook: delivery failed", "url", hook.URL, "task_id", update.TaskID, "status", update.Status, "err", err)
		}
	}
}

type webhookEvent struct {
	Type string            `json:"type"`
	Task domain.TaskUpdate `json:"task"`
}

func webhookEventType(status domain.TaskStatus) string {
	return "task." + string(status)
}

func (w *Webhooks) post(ctx context.Context, hook config.WebhookConfig, evtType string, update domain.TaskUpdate) error {
	data, err := json.Marshal(webhookEvent{Type: evtType, Task: update})
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dagline-Event", evtType)
	req.Header.Set("X-Dagline-Delivery", uuid.NewString())
	req.Header.Set("X-Dagline-Workspace", update.WorkspaceKey)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dagline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches "task.done" style names; bare statuses are accepted too.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if !strings.HasPrefix(key, "task.") {
			key = "task." + key
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
