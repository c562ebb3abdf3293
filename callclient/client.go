package callclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/metrics"
	"github.com/tachyon-beep/elspeth/retry"
	"github.com/tachyon-beep/elspeth/tracing"
)

// Client is the audited, pooled front door for every external call a
// transform makes, implementing spec.md §4.5's canonicalise → hash →
// call_index → pool permit → dispatch → record contract. Grounded on
// graph/replay.go's recordIO hash-then-store pattern (not reproduced
// verbatim — replay.go is keyed by idempotency key rather than a
// landscape call_index — but the canonicalise-then-persist-by-hash shape
// is carried over directly).
type Client struct {
	store   landscape.Store
	pool    *Pool
	backend Backend

	metrics  *metrics.Metrics
	poolName string
	tracer   *tracing.SpanFactory
}

// Option configures optional instrumentation on a Client, mirroring the
// teacher's graph.Option functional-option idiom (graph/options.go).
type Option func(*Client)

// WithMetrics records pool capacity and call latency against m, labeling
// pool-capacity observations with poolName (e.g. "llm", "http").
func WithMetrics(m *metrics.Metrics, poolName string) Option {
	return func(c *Client) {
		c.metrics = m
		c.poolName = poolName
	}
}

// WithTracer opens a child span around every dispatched call.
func WithTracer(tr *tracing.SpanFactory) Option {
	return func(c *Client) { c.tracer = tr }
}

// New returns a Client dispatching through backend, admission-controlled
// by pool.
func New(store landscape.Store, pool *Pool, backend Backend, opts ...Option) *Client {
	c := &Client{store: store, pool: pool, backend: backend}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call executes one external call scoped to stateID (the current
// node-state), recording a landscape Call row regardless of outcome.
func (c *Client) Call(ctx context.Context, runID, stateID string, callType landscape.CallType, req Request) (Response, error) {
	requestHash, err := landscape.Hash(req.Data)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: hash request: %w", err)
	}

	callIndex, err := c.store.AllocateCallIndex(ctx, stateID, callType)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: allocate call index: %w", err)
	}

	release, err := c.pool.Acquire(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: acquire pool permit: %w", err)
	}

	var span trace.Span
	callCtx := ctx
	if c.tracer != nil {
		callCtx, span = c.tracer.StartCall(ctx, runID, stateID, string(callType))
	}

	start := time.Now()
	resp, invokeErr := c.backend.Invoke(callCtx, req)
	latency := time.Since(start)
	if span != nil {
		tracing.EndCall(span, latency, invokeErr)
	}

	var capErr *retry.CapacityError
	if errors.As(invokeErr, &capErr) {
		release(true)
		c.metrics.UpdatePoolCapacity(runID, c.poolName, c.pool.Cap())
		c.metrics.RecordCallLatency(runID, string(callType), "capacity", latency)
		if _, recErr := c.recordFailedCall(ctx, stateID, callType, callIndex, requestHash, req.Data, latency); recErr != nil {
			return Response{}, recErr
		}
		return Response{}, invokeErr
	}
	release(false)
	c.metrics.UpdatePoolCapacity(runID, c.poolName, c.pool.Cap())

	if invokeErr != nil {
		c.metrics.RecordCallLatency(runID, string(callType), "error", latency)
		if _, recErr := c.recordFailedCall(ctx, stateID, callType, callIndex, requestHash, req.Data, latency); recErr != nil {
			return Response{}, recErr
		}
		return Response{}, invokeErr
	}
	c.metrics.RecordCallLatency(runID, string(callType), "success", latency)

	responseHash, err := landscape.Hash(resp.Data)
	if err != nil {
		return Response{}, fmt.Errorf("callclient: hash response: %w", err)
	}
	requestRef, err := c.putJSONPayload(ctx, requestHash, req.Data)
	if err != nil {
		return Response{}, err
	}
	responseRef, err := c.putJSONPayload(ctx, responseHash, resp.Data)
	if err != nil {
		return Response{}, err
	}

	if _, err := c.store.RecordCall(ctx, landscape.Call{
		StateID:      stateID,
		CallIndex:    callIndex,
		CallType:     callType,
		Status:       landscape.CallSuccess,
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		RequestRef:   requestRef,
		ResponseRef:  responseRef,
		LatencyMs:    latency.Milliseconds(),
	}); err != nil {
		return Response{}, fmt.Errorf("callclient: record call: %w", err)
	}

	return resp, nil
}

func (c *Client) recordFailedCall(ctx context.Context, stateID string, callType landscape.CallType, callIndex int, requestHash string, requestData map[string]any, latency time.Duration) (landscape.Call, error) {
	requestRef, err := c.putJSONPayload(ctx, requestHash, requestData)
	if err != nil {
		return landscape.Call{}, err
	}
	call, err := c.store.RecordCall(ctx, landscape.Call{
		StateID:     stateID,
		CallIndex:   callIndex,
		CallType:    callType,
		Status:      landscape.CallError,
		RequestHash: requestHash,
		RequestRef:  requestRef,
		LatencyMs:   latency.Milliseconds(),
	})
	if err != nil {
		return landscape.Call{}, fmt.Errorf("callclient: record failed call: %w", err)
	}
	return call, nil
}

func (c *Client) putJSONPayload(ctx context.Context, hash string, data map[string]any) (string, error) {
	canonical, err := landscape.Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("callclient: canonicalize payload: %w", err)
	}
	ref, err := c.store.PutPayload(ctx, hash, canonical)
	if err != nil {
		return "", fmt.Errorf("callclient: put payload: %w", err)
	}
	return ref, nil
}
