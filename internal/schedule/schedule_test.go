package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dagline/internal/config"
	"dagline/internal/logging"
)

type fakeRun struct {
	done chan struct{}
	n    int
}

func (r *fakeRun) Done() <-chan struct{} { return r.done }
func (r *fakeRun) Enqueued() int         { return r.n }

type recorder struct {
	mu    sync.Mutex
	calls []string
	runs  []*fakeRun
	err   error
}

func (r *recorder) run(_ context.Context, key string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	if r.err != nil {
		return nil, r.err
	}
	fr := &fakeRun{done: make(chan struct{}), n: 1}
	r.runs = append(r.runs, fr)
	return fr, nil
}

func TestAddRejectsInvalidExpressions(t *testing.T) {
	rec := &recorder{}
	s := New(rec.run, logging.Discard(), nil)
	for _, expr := range []string{"@hourly", "* * *", "61 * * * *"} {
		if _, err := s.Add("w", expr); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
	if _, err := s.Add("", "* * * * *"); err == nil {
		t.Fatalf("expected missing workspace to be rejected")
	}
	if err := s.Load([]config.ScheduleConfig{{Workspace: "a", Cron: "*/5 * * * *"}, {Workspace: "b", Cron: "0 9 * * 1-5"}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 2 || entries[0].Workspace != "a" || entries[1].Cron != "0 9 * * 1-5" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestTriggerSkipsWhilePreviousRunActive(t *testing.T) {
	rec := &recorder{}
	s := New(rec.run, logging.Discard(), nil)
	s.trigger("w")
	s.trigger("w")
	s.trigger("other")
	if len(rec.calls) != 2 {
		t.Fatalf("expected overlapping tick to be skipped, calls %v", rec.calls)
	}
	close(rec.runs[0].done)
	s.trigger("w")
	if len(rec.calls) != 3 || rec.calls[2] != "w" {
		t.Fatalf("expected a new run once the previous finished, calls %v", rec.calls)
	}
}

func TestTriggerFailureDoesNotBlockLaterTicks(t *testing.T) {
	rec := &recorder{err: errors.New("cycle")}
	s := New(rec.run, logging.Discard(), nil)
	s.trigger("w")
	rec.err = nil
	s.trigger("w")
	if len(rec.calls) != 2 || len(rec.runs) != 1 {
		t.Fatalf("unexpected calls %v", rec.calls)
	}
}
