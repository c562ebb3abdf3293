package callclient

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunConcurrent runs fn(ctx, i) for every i in [0, n) concurrently, so a
// batch-aware transform (spec.md's "per external-call node with
// pool_size>1: bounded parallelism inside that one node's batch pass")
// can dispatch one Client.Call per buffered row instead of one at a
// time. fn is expected to go through a Client whose own Pool.Acquire
// bounds actual concurrency and AIMD-adjusts on a *retry.CapacityError —
// RunConcurrent itself does not acquire anything, so spawning all n
// goroutines up front is safe: the shared Pool, not this function,
// throttles them.
//
// Grounded on the teacher pack's errgroup fan-out pattern for concurrent
// per-item work sharing one cancellation scope
// (other_examples/.../internal-executor-executor.go.go's parallel
// pre-fetch of runtime config, layers, volumes and code). The first
// non-nil fn error cancels ctx for the remaining goroutines and is
// returned once all of them have stopped; a caller that wants per-item
// results alongside errors should write into a pre-sized slice indexed
// by i from inside fn (safe: each index is written by exactly one
// goroutine).
func RunConcurrent(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(gctx, i) })
	}
	return g.Wait()
}
