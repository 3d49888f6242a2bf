// Package retry holds the retry policy shared by every orchestrator step.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when a policy runs out of attempts or time.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how one step retries. The zero value runs the operation
// once.
type Policy struct {
	// Interval is the delay before the first retry.
	Interval time.Duration
	// MaxAttempts bounds the total number of calls. Zero means unbounded,
	// in which case Timeout should be set.
	MaxAttempts int
	// Timeout bounds the total elapsed time. Zero means no bound.
	Timeout time.Duration
	// BackoffRate multiplies the interval after every retry. Values below 1
	// are treated as 1 (constant interval).
	BackoffRate float64
	// Retryable selects the errors that consume a retry. Nil retries every
	// error.
	Retryable func(error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error)
}

// Constant returns a policy polling every interval until timeout, the way
// job status checks are bounded (attempts = timeout / interval).
func Constant(interval, timeout time.Duration) Policy {
	attempts := 1
	if interval > 0 {
		attempts = int(timeout / interval)
	}
	if attempts < 1 {
		attempts = 1
	}
	return Policy{
		Interval:    interval,
		MaxAttempts: attempts,
		Timeout:     timeout,
		BackoffRate: 1,
	}
}

// Fixed returns a policy making at most attempts calls with delay between
// them.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Interval: delay, MaxAttempts: attempts, BackoffRate: 1}
}

// Only returns a copy of p that retries only errors matching one of targets.
func (p Policy) Only(targets ...error) Policy {
	p.Retryable = func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
	return p
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Exhaustion wraps both ErrExhausted and the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	delay := p.Interval

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		if p.MaxAttempts <= 0 && deadline.IsZero() {
			// Unbounded without a timeout would spin forever.
			return fmt.Errorf("%w: policy has no bound: %w", ErrExhausted, err)
		}
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w after %s: %w", ErrExhausted, p.Timeout, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * rate)
	}
}

// Sleep waits for d or until ctx is cancelled.
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
