package callclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth/callclient"
	"golang.org/x/time/rate"
)

func TestPoolHalvesCapOnCapacityError(t *testing.T) {
	pool := callclient.NewPool(8, rate.Inf)
	ctx := context.Background()

	release, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release(true)

	if got := pool.Cap(); got != 4 {
		t.Fatalf("expected cap halved to 4, got %d", got)
	}
}

func TestPoolNeverDropsBelowOne(t *testing.T) {
	pool := callclient.NewPool(1, rate.Inf)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		release(true)
	}
	if got := pool.Cap(); got != 1 {
		t.Fatalf("expected cap floor of 1, got %d", got)
	}
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	pool := callclient.NewPool(1, rate.Inf)
	ctx := context.Background()

	release1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		release2, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire 2: %v", err)
			return
		}
		release2(false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second acquire completed before first release")
	case <-time.After(50 * time.Millisecond):
	}

	release1(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second acquire never completed after release")
	}
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	pool := callclient.NewPool(1, rate.Inf)
	ctx := context.Background()

	release1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release1(false)

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(cancelCtx); err == nil {
		t.Fatalf("expected context deadline error, got nil")
	}
}
