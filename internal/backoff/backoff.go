// Package backoff computes retry delays and runs bounded retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int // total tries including the first
}

// Delay returns base * 2^(attempt-1) capped at Max, plus 0-25% jitter.
// attempt is 1 for the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// Retry calls fn until it succeeds, retryable reports false, the attempts run
// out or ctx is done. The last error from fn is returned unless ctx ended the
// wait first.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := Sleep(ctx, p.Delay(attempt)); werr != nil {
				return werr
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
