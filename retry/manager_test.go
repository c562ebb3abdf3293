package retry_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth/retry"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	m := retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: retry.DefaultRetryable}, rand.New(rand.NewSource(1)))
	calls := 0
	got, err := retry.Do(context.Background(), m, func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "ok", nil
	}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Fatalf("expected one call returning ok, got calls=%d result=%q", calls, got)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	m := retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Retryable: retry.DefaultRetryable}, rand.New(rand.NewSource(1)))
	var attempts []retry.Attempt
	calls := 0
	got, err := retry.Do(context.Background(), m, func(ctx context.Context, attempt int) (int, error) {
		calls++
		if calls < 3 {
			return 0, &retry.CapacityError{Cause: errors.New("rate limited")}
		}
		return 42, nil
	}, func(a retry.Attempt) { attempts = append(attempts, a) })
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Index != i {
			t.Fatalf("attempt %d has Index %d", i, a.Index)
		}
	}
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	m := retry.New(retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Retryable: retry.DefaultRetryable}, rand.New(rand.NewSource(1)))
	calls := 0
	_, err := retry.Do(context.Background(), m, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("boom: not retryable")
	}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
	var maxExceeded *retry.MaxRetriesExceededError
	if errors.As(err, &maxExceeded) {
		t.Fatalf("non-retryable error must not be reported as MaxRetriesExceeded")
	}
}

func TestDoExhaustsAttemptsReturnsMaxRetriesExceeded(t *testing.T) {
	m := retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Retryable: retry.DefaultRetryable}, rand.New(rand.NewSource(1)))
	calls := 0
	_, err := retry.Do(context.Background(), m, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, &retry.CapacityError{Cause: errors.New("still limited")}
	}, nil)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var maxExceeded *retry.MaxRetriesExceededError
	if !errors.As(err, &maxExceeded) {
		t.Fatalf("expected *MaxRetriesExceededError, got %T: %v", err, err)
	}
	if !errors.Is(err, retry.ErrMaxRetriesExceeded) {
		t.Fatalf("expected errors.Is to match ErrMaxRetriesExceeded")
	}
}
