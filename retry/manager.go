// Package retry wraps transform and external-call execution with
// exponential backoff and jitter, classifying failures as transient
// (retryable), capacity (AIMD-throttled, retryable), or processing
// (terminal). Grounded on the teacher's computeBackoff in
// graph/policy.go, generalized from a node-level policy into a
// standalone manager the row processor and call client both use.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is returned once Manager.Do has exhausted every
// attempt. Errors.Is(err, ErrMaxRetriesExceeded) is true on the wrapped
// value the caller receives back.
var ErrMaxRetriesExceeded = errors.New("retry: max attempts exceeded")

// CapacityError signals the pool is rate-limiting the caller (AIMD
// backpressure) — retryable, but distinct from a transient network
// failure so callers can distinguish them in telemetry.
type CapacityError struct {
	Cause error
}

func (e *CapacityError) Error() string { return "retry: capacity exceeded: " + e.Cause.Error() }
func (e *CapacityError) Unwrap() error { return e.Cause }

// MaxRetriesExceededError wraps the final attempt's error with the
// number of attempts made, preserving it for error-hash computation.
type MaxRetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return ErrMaxRetriesExceeded.Error() + ": " + e.Last.Error()
}
func (e *MaxRetriesExceededError) Unwrap() error { return ErrMaxRetriesExceeded }

// Policy configures backoff. MaxAttempts counts the initial attempt, so
// 1 means "no retries."
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable classifies an attempt's error. A nil Retryable treats
	// every error as non-retryable (single attempt regardless of
	// MaxAttempts).
	Retryable func(error) bool
}

// DefaultRetryable treats three kinds of error as retryable: a
// *CapacityError, any error whose Timeout method reports true, and
// context.DeadlineExceeded. Other network and OS errors, such as a
// refused connection or a failed syscall, are not retried.
func DefaultRetryable(err error) bool {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Manager executes an operation with backoff retry per Policy.
type Manager struct {
	policy Policy
	rng    *rand.Rand
}

// New returns a Manager. A nil rng falls back to a package-level source;
// pass a seeded *rand.Rand for deterministic tests.
func New(policy Policy, rng *rand.Rand) *Manager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Manager{policy: policy, rng: rng}
}

// Attempt is the result of one execution, reported to onAttempt so the
// caller can record it as a separate node-state row (spec.md §4.3: "each
// attempt as a separate node-state row with attempt = 0,1,2,…").
type Attempt struct {
	Index int
	Err   error
}

// Do runs op up to policy.MaxAttempts times. onAttempt, if non-nil, is
// invoked after every attempt (including the last) so the caller can
// audit it before Do decides whether to retry. Do returns the first
// successful result, or a *MaxRetriesExceededError wrapping the final
// error once attempts are exhausted.
func Do[T any](ctx context.Context, m *Manager, op func(ctx context.Context, attempt int) (T, error), onAttempt func(Attempt)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			var zero2 T
			return zero2, err
		}
		result, err := op(ctx, attempt)
		if onAttempt != nil {
			onAttempt(Attempt{Index: attempt, Err: err})
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := m.policy.Retryable != nil && m.policy.Retryable(err)
		if !retryable {
			return zero, err
		}
		if attempt == m.policy.MaxAttempts-1 {
			break
		}

		delay := m.computeBackoff(attempt)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, &MaxRetriesExceededError{Attempts: m.policy.MaxAttempts, Last: lastErr}
}

// computeBackoff mirrors graph/policy.go's computeBackoff: delay =
// min(base*2^attempt, maxDelay) + jitter(0, base).
func (m *Manager) computeBackoff(attempt int) time.Duration {
	base := m.policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := m.policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	exponential := base * time.Duration(1<<attempt)
	if exponential > maxDelay || exponential <= 0 {
		exponential = maxDelay
	}

	var jitter time.Duration
	if m.rng != nil {
		jitter = time.Duration(m.rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponential + jitter
}
