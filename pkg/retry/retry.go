// Package retry runs an operation under a bounded attempt budget with backoff.
package retry

import (
	"context"
	"time"
)

// Policy bounds how often and how fast an operation is retried.
// Backoff receives the 1-based number of the attempt that just failed.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Linear returns a backoff of base * attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Default is three attempts with 100ms linear backoff.
func Default() Policy {
	return Policy{MaxAttempts: 3, Backoff: Linear(100 * time.Millisecond)}
}

// Do calls fn until it succeeds, fails with an error retryable rejects, or the
// attempt budget is spent. It returns the number of attempts made and the last
// error. A cancelled ctx during backoff returns ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(attempt int) error, retryable func(error) bool) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) {
			return attempt, err
		}
		if attempt == limit {
			break
		}
		if p.Backoff != nil {
			if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
				return attempt, serr
			}
		}
	}
	return limit, err
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
