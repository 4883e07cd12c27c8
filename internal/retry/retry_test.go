package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicyAllowsFourAttempts(t *testing.T) {
	p := Default()
	var allowed []int
	for i := 0; i < 10; i++ {
		if p.ShouldRetry(i) {
			allowed = append(allowed, i)
		}
	}
	if len(allowed) != 3 || allowed[2] != 2 {
		t.Fatalf("expected retries after attempts 0..2, got %v", allowed)
	}
	if p.MaxAttempts() != 4 {
		t.Fatalf("max attempts %d", p.MaxAttempts())
	}
	if p.ShouldRetry(-1) {
		t.Fatalf("negative attempt must not retry")
	}
}

func TestBackoffDoubles(t *testing.T) {
	p := Policy{MaxRetries: 5, Base: 500 * time.Millisecond}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i, got, w)
		}
		if p.Backoff(i) != p.Backoff(i) {
			t.Fatalf("backoff must be a pure function")
		}
	}
}

func TestBackoffCapAndEdges(t *testing.T) {
	p := Policy{Base: time.Second, Max: 3 * time.Second}
	if got := p.Backoff(5); got != 3*time.Second {
		t.Fatalf("capped backoff %s", got)
	}
	if got := (Policy{}).Backoff(3); got != 0 {
		t.Fatalf("zero base must give zero delay, got %s", got)
	}
	if got := (Policy{Base: time.Second}).Backoff(200); got <= 0 {
		t.Fatalf("huge attempt index overflowed: %s", got)
	}
}
