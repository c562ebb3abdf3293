// Package aggregate implements the aggregation executor from spec.md
// §4.4: per-node buffering, flush-trigger evaluation, and the
// single/passthrough/transform output-mode contracts. Grounded on
// _examples/original_source/src/elspeth/engine/executors (the
// AggregationExecutor buffer_row/should_flush/execute_flush shape) and
// processor.py's _process_batch_aggregation_node, reworked into a single
// Submit call since Go has no equivalent of the processor's generator
// style of interleaving buffer-check-and-flush across two objects.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/metrics"
	"github.com/tachyon-beep/elspeth/plugin"
	"github.com/tachyon-beep/elspeth/token"
)

// OutputMode is how an aggregation node's flush result maps back onto
// terminal/continuation rows (spec.md §4.4).
type OutputMode string

const (
	OutputSingle      OutputMode = "single"
	OutputPassthrough OutputMode = "passthrough"
	OutputTransform   OutputMode = "transform"
)

// Config is one aggregation node's static settings.
type Config struct {
	NodeID     string
	OutputMode OutputMode
	Trigger    TriggerEvaluator
	Transform  plugin.BatchTransform
	TotalSteps int
}

// TerminalRow is a token that left the aggregation node with a terminal
// outcome already recorded in the landscape.
type TerminalRow struct {
	Token   landscape.Token
	Outcome landscape.TokenOutcome
}

// Continuation is a token that must re-enter the work queue at StartStep.
type Continuation struct {
	Token     landscape.Token
	StartStep int
}

// SubmitResult is what Submit hands back to the row processor: zero or
// more terminal rows, plus zero or more tokens to re-enqueue.
type SubmitResult struct {
	Terminals     []TerminalRow
	Continuations []Continuation
	Flushed       bool
}

type buffer struct {
	tokens    []landscape.Token
	oldestAt  time.Time
	batchID   string
	ordinalAt int
}

// Executor owns every aggregation node's buffer for one run.
type Executor struct {
	store   landscape.Store
	tokens  *token.Manager
	runID   string
	configs map[string]Config

	mu      sync.Mutex
	buffers map[string]*buffer

	metrics *metrics.Metrics
}

// New returns an Executor for runID, one Config per aggregation node.
func New(store landscape.Store, tokens *token.Manager, runID string, configs []Config) *Executor {
	m := make(map[string]Config, len(configs))
	for _, c := range configs {
		m[c.NodeID] = c
	}
	return &Executor{store: store, tokens: tokens, runID: runID, configs: m, buffers: make(map[string]*buffer)}
}

// WithMetrics attaches m so every buffer flush is counted, labeled by
// node and trigger type. Returns e for chaining at construction time.
func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m
	return e
}

// RestoreState seeds a node's buffer from a prior run's landscape state —
// used on resume after a crash, per spec.md §4.4's restore_state contract.
func (e *Executor) RestoreState(nodeID, batchID string, buffered []landscape.Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oldest := time.Now().UTC()
	if len(buffered) > 0 {
		oldest = buffered[0].CreatedAt
	}
	e.buffers[nodeID] = &buffer{tokens: buffered, batchID: batchID, oldestAt: oldest, ordinalAt: len(buffered)}
}

// Submit buffers tok at nodeID and, if the node's trigger now fires,
// executes the batch transform and returns the resulting terminal and
// continuation rows. step is the 1-indexed pipeline step of this
// aggregation node.
func (e *Executor) Submit(ctx context.Context, nodeID string, tok landscape.Token, step int) (SubmitResult, error) {
	cfg, ok := e.configs[nodeID]
	if !ok {
		return SubmitResult{}, fmt.Errorf("aggregate: unknown aggregation node %q", nodeID)
	}

	e.mu.Lock()
	buf, ok := e.buffers[nodeID]
	if !ok {
		buf = &buffer{}
		e.buffers[nodeID] = buf
	}
	if buf.batchID == "" {
		b, err := e.store.CreateBatch(ctx, landscape.Batch{RunID: e.runID, AggregationNodeID: nodeID, Status: landscape.BatchDraft, TriggerType: cfg.Trigger.Type()})
		if err != nil {
			e.mu.Unlock()
			return SubmitResult{}, fmt.Errorf("aggregate: create batch: %w", err)
		}
		buf.batchID = b.BatchID
		buf.oldestAt = time.Now().UTC()
	}
	if err := e.store.AddBatchMember(ctx, buf.batchID, tok.TokenID, buf.ordinalAt); err != nil {
		e.mu.Unlock()
		return SubmitResult{}, fmt.Errorf("aggregate: add batch member: %w", err)
	}
	buf.ordinalAt++
	buf.tokens = append(buf.tokens, tok)

	flush := cfg.Trigger.ShouldFlush(buf.tokens, buf.oldestAt, time.Now().UTC())
	if !flush {
		outcome := landscape.OutcomeConsumedInBatch
		if cfg.OutputMode == OutputPassthrough {
			outcome = landscape.OutcomeBuffered
		}
		batchID := buf.batchID
		e.mu.Unlock()
		if err := e.store.RecordTokenOutcome(ctx, tok.TokenID, outcome, landscape.OutcomeReferent{BatchID: batchID}); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Terminals: []TerminalRow{{Token: tok, Outcome: outcome}}}, nil
	}

	// Trigger fired: take the full buffer, reset it, and flush outside
	// the lock (the batch transform may be slow/external).
	buffered := buf.tokens
	batchID := buf.batchID
	delete(e.buffers, nodeID)
	e.mu.Unlock()

	return e.flush(ctx, cfg, batchID, buffered, tok, step)
}

func (e *Executor) flush(ctx context.Context, cfg Config, batchID string, buffered []landscape.Token, triggering landscape.Token, step int) (SubmitResult, error) {
	e.metrics.IncrementBatchFlush(e.runID, cfg.NodeID, string(cfg.Trigger.Type()))

	if err := e.store.UpdateBatchStatus(ctx, batchID, landscape.BatchExecuting); err != nil {
		return SubmitResult{}, fmt.Errorf("aggregate: mark batch executing: %w", err)
	}

	rows := make([]landscape.PipelineRow, len(buffered))
	for i, t := range buffered {
		rows[i] = t.RowData
	}

	state, err := e.store.BeginNodeState(ctx, landscape.NodeState{TokenID: triggering.TokenID, NodeID: cfg.NodeID, RunID: e.runID, StepIndex: step, Attempt: 0})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("aggregate: begin node state: %w", err)
	}

	// A batch transform that dispatches audited external calls (see
	// llm.CallBatchTransform) retrieves these identifiers via
	// callclient.CallContext, the same way rowproc wires a single-row
	// plugin.Transform.
	batchCtx := callclient.WithCallContext(ctx, e.runID, state.StateID)
	result, transformErr := cfg.Transform.ProcessBatch(batchCtx, rows)
	if transformErr != nil || result.Status == plugin.TransformError {
		if _, err := e.store.CompleteNodeState(ctx, state.StateID, landscape.NodeStateFailed, "", time.Now().UTC()); err != nil {
			return SubmitResult{}, err
		}
		if err := e.store.UpdateBatchStatus(ctx, batchID, landscape.BatchFailed); err != nil {
			return SubmitResult{}, err
		}
		reason := "batch transform failed"
		if transformErr != nil {
			reason = transformErr.Error()
		} else if result.Reason != "" {
			reason = result.Reason
		}
		errHash := landscape.HashBytes([]byte(reason))
		if err := e.store.RecordTokenOutcome(ctx, triggering.TokenID, landscape.OutcomeFailed, landscape.OutcomeReferent{ErrorHash: errHash}); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{
			Terminals: []TerminalRow{{Token: triggering, Outcome: landscape.OutcomeFailed}},
			Flushed:   true,
		}, nil
	}

	if _, err := e.store.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, "", time.Now().UTC()); err != nil {
		return SubmitResult{}, err
	}
	if _, err := e.store.CompleteBatch(ctx, batchID, state.StateID, time.Now().UTC()); err != nil {
		return SubmitResult{}, err
	}

	switch cfg.OutputMode {
	case OutputSingle:
		return e.flushSingle(ctx, result, triggering)
	case OutputPassthrough:
		return e.flushPassthrough(ctx, cfg, result, buffered, step)
	case OutputTransform:
		return e.flushTransform(ctx, cfg, result, triggering, batchID, step)
	default:
		return SubmitResult{}, fmt.Errorf("aggregate: unknown output mode %q", cfg.OutputMode)
	}
}

func (e *Executor) flushSingle(ctx context.Context, result plugin.TransformResult, triggering landscape.Token) (SubmitResult, error) {
	finalData := result.Row
	if result.Status == plugin.TransformMulti && len(result.Rows) > 0 {
		finalData = result.Rows[0]
	}
	updated, err := e.tokens.UpdateRowData(ctx, triggering.TokenID, finalData)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.store.RecordTokenOutcome(ctx, updated.TokenID, landscape.OutcomeCompleted, landscape.OutcomeReferent{}); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Terminals: []TerminalRow{{Token: updated, Outcome: landscape.OutcomeCompleted}}, Flushed: true}, nil
}

func (e *Executor) flushPassthrough(ctx context.Context, cfg Config, result plugin.TransformResult, buffered []landscape.Token, step int) (SubmitResult, error) {
	if result.Status != plugin.TransformMulti || len(result.Rows) != len(buffered) {
		return SubmitResult{}, fmt.Errorf("aggregate: passthrough mode requires %d output rows, got %d", len(buffered), len(result.Rows))
	}

	moreSteps := step < cfg.TotalSteps
	out := SubmitResult{Flushed: true}
	for i, tok := range buffered {
		updated, err := e.tokens.UpdateRowData(ctx, tok.TokenID, result.Rows[i])
		if err != nil {
			return SubmitResult{}, err
		}
		if moreSteps {
			out.Continuations = append(out.Continuations, Continuation{Token: updated, StartStep: step})
			continue
		}
		if err := e.store.RecordTokenOutcome(ctx, updated.TokenID, landscape.OutcomeCompleted, landscape.OutcomeReferent{}); err != nil {
			return SubmitResult{}, err
		}
		out.Terminals = append(out.Terminals, TerminalRow{Token: updated, Outcome: landscape.OutcomeCompleted})
	}
	return out, nil
}

func (e *Executor) flushTransform(ctx context.Context, cfg Config, result plugin.TransformResult, triggering landscape.Token, batchID string, step int) (SubmitResult, error) {
	outputRows := result.Rows
	if result.Status != plugin.TransformMulti {
		outputRows = []landscape.PipelineRow{result.Row}
	}

	expanded, _, err := e.tokens.ExpandToken(ctx, triggering, outputRows, step)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.store.RecordTokenOutcome(ctx, triggering.TokenID, landscape.OutcomeConsumedInBatch, landscape.OutcomeReferent{BatchID: batchID}); err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{
		Terminals: []TerminalRow{{Token: triggering, Outcome: landscape.OutcomeConsumedInBatch}},
		Flushed:   true,
	}
	moreSteps := step < cfg.TotalSteps
	for _, child := range expanded {
		if moreSteps {
			out.Continuations = append(out.Continuations, Continuation{Token: child, StartStep: step})
			continue
		}
		if err := e.store.RecordTokenOutcome(ctx, child.TokenID, landscape.OutcomeCompleted, landscape.OutcomeReferent{}); err != nil {
			return SubmitResult{}, err
		}
		out.Terminals = append(out.Terminals, TerminalRow{Token: child, Outcome: landscape.OutcomeCompleted})
	}
	return out, nil
}
