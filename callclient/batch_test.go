package callclient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/tachyon-beep/elspeth/callclient"
)

func TestRunConcurrentRunsAllItems(t *testing.T) {
	results := make([]int, 10)

	err := callclient.RunConcurrent(context.Background(), len(results), func(_ context.Context, i int) error {
		results[i] = i * i
		return nil
	})
	if err != nil {
		t.Fatalf("RunConcurrent: %v", err)
	}
	for i, got := range results {
		if want := i * i; got != want {
			t.Errorf("results[%d] = %d, want %d", i, got, want)
		}
	}
}

func TestRunConcurrentPropagatesError(t *testing.T) {
	boom := errors.New("boom")

	err := callclient.RunConcurrent(context.Background(), 5, func(_ context.Context, i int) error {
		if i == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRunConcurrentCancelsRemainingOnFirstError(t *testing.T) {
	var calls int64
	boom := errors.New("boom")

	err := callclient.RunConcurrent(context.Background(), 20, func(ctx context.Context, i int) error {
		atomic.AddInt64(&calls, 1)
		if i == 0 {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRunConcurrentZeroItemsReturnsNil(t *testing.T) {
	if err := callclient.RunConcurrent(context.Background(), 0, func(context.Context, int) error {
		t.Fatal("fn should not be called for n=0")
		return nil
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
