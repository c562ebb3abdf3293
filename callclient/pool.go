// Package callclient implements the audited, pooled external-call client
// from spec.md §4.5: canonicalise → hash → allocate call_index → acquire a
// pool permit → dispatch → record. No teacher file implements AIMD
// admission control directly; the backoff half is grounded on
// graph/policy.go's RetryPolicy/computeBackoff, generalized from a
// per-call retry budget into a pool-wide concurrency ceiling that grows
// additively on sustained success and halves on a CapacityError.
package callclient

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Pool is a bounded, AIMD-throttled admission controller shared by every
// transform node that dispatches external calls. current is the live
// in-flight cap; it starts at size, grows by +1 per increaseEvery
// consecutive successes (never above size), and halves (floor 1) on every
// CapacityError.
type Pool struct {
	size int

	mu          sync.Mutex
	current     int
	inFlight    int
	consecutive int
	waiters     []chan struct{}

	// increaseEvery is how many consecutive successes at the current cap
	// are required before an additive increase; grounded on the teacher's
	// exponential-then-cap backoff shape inverted into a growth step.
	increaseEvery int

	limiter *rate.Limiter
}

// NewPool returns a Pool whose cap starts at size and whose in-flight
// rate is additionally bounded by a token-bucket limiter (steady-state
// smoothing beneath the AIMD ceiling).
func NewPool(size int, steadyStateRate rate.Limit) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:          size,
		current:       size,
		increaseEvery: 10,
		limiter:       rate.NewLimiter(steadyStateRate, size),
	}
}

// Acquire blocks until a permit is available or ctx is done. The caller
// must call the returned release func exactly once, passing whether the
// call it guarded failed with a CapacityError.
func (p *Pool) Acquire(ctx context.Context) (release func(capacityErr bool), err error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("callclient: pool rate wait: %w", err)
	}

	ch := make(chan struct{})
	p.mu.Lock()
	if p.inFlight < p.current {
		p.inFlight++
		p.mu.Unlock()
		return p.releaseFunc(), nil
	}
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return p.releaseFunc(), nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *Pool) releaseFunc() func(bool) {
	var once sync.Once
	return func(capacityErr bool) {
		once.Do(func() { p.release(capacityErr) })
	}
}

func (p *Pool) release(capacityErr bool) {
	p.mu.Lock()
	p.inFlight--

	if capacityErr {
		p.current = max(1, p.current/2)
		p.consecutive = 0
	} else {
		p.consecutive++
		if p.consecutive >= p.increaseEvery && p.current < p.size {
			p.current++
			p.consecutive = 0
		}
	}

	var next chan struct{}
	if len(p.waiters) > 0 && p.inFlight < p.current {
		next, p.waiters = p.waiters[0], p.waiters[1:]
		p.inFlight++
	}
	p.mu.Unlock()

	if next != nil {
		close(next)
	}
}

// Cap returns the pool's current in-flight ceiling, for telemetry.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
