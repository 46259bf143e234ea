// Package retry implements the bounded retry and poll-until-timeout helpers
// used by the DP layer's WAIT handling and the flash engine's call-in ABI.
// It is a small hand-written helper rather than a pulled-in generic retry
// library, matching the style of similar retry loops elsewhere in this
// codebase's flashing stack.
package retry

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Policy describes a bounded exponential back-off retry.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultWaitPolicy is the default WAIT-retry policy: the first attempt plus
// up to 5 retries, with exponential back-off in wall-clock time (100µs,
// doubling, capped at 10ms); no probe idle cycles are inserted.
var DefaultWaitPolicy = Policy{
	MaxAttempts:  6,
	InitialDelay: 100 * time.Microsecond,
	Multiplier:   2.0,
	MaxDelay:     10 * time.Millisecond,
}

// Do calls fn until it returns a nil error, shouldRetry(err) returns false,
// or the policy's attempt budget is exhausted. It returns the last error.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func() error) error {
	delay := p.InitialDelay
	var lastErr error
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return errors.Trace(lastErr)
		}
		if attempt == attempts {
			break
		}
		glog.V(3).Infof("retry %d/%d after: %v", attempt, attempts, lastErr)
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return errors.Annotatef(lastErr, "exhausted %d attempts", attempts)
}

// PollUntil calls check repeatedly (sleeping interval between calls) until
// it returns true, ctx is canceled, or timeout elapses. It returns
// context.DeadlineExceeded-compatible error on timeout.
func PollUntil(ctx context.Context, timeout, interval time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := check()
		if err != nil {
			return errors.Trace(err)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Annotatef(context.DeadlineExceeded, "timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(interval):
		}
	}
}
