package retry

import "time"

const (
	DefaultMaxRetries = 3
	DefaultBase       = time.Second
)

// Policy decides whether a failed attempt gets another try and how long to
// wait first. It depends only on the 0-based attempt index.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	// Max caps the delay; zero means uncapped.
	Max time.Duration
}

func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase}
}

// ShouldRetry reports whether the attempt that just failed may be followed by another.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt >= 0 && attempt < p.MaxRetries
}

// Backoff returns Base * 2^attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d > (1<<62)/2 {
			break
		}
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// MaxAttempts is the total number of attempts the policy permits.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}
