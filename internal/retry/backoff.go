package retry

import (
	"context"
	"math"
	"time"
)

// maxExponent keeps 2^n well inside int64 before the cap applies.
const maxExponent = 30

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultPolicy returns three attempts starting at one second, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute}
}

// Delay returns the wait before the attempt following failed attempt n
// (1-based): Base * 2^(n-1), capped at Cap.
func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	exp := n - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxExponent {
		exp = maxExponent
	}

	delay := time.Duration(float64(p.Base) * math.Pow(2, float64(exp)))
	if delay <= 0 || (p.Cap > 0 && delay > p.Cap) {
		delay = p.Cap
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after n attempts.
func (p Policy) ShouldRetry(n int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return n < max
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, retryable reports false, attempts run out
// or ctx is done. It returns the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if !p.ShouldRetry(attempt) {
			return lastErr
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return lastErr
		}
	}
}
