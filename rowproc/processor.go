// Package rowproc implements the row processor from spec.md §4.3: a
// work-queue-driven walk of one row through the resolved pipeline,
// dispatching gates, transforms, aggregation nodes and coalesce points,
// and recording exactly one terminal outcome per token it produces.
//
// Grounded in full on
// _examples/original_source/src/elspeth/engine/processor.py
// (_WorkItem, MAX_WORK_QUEUE_ITERATIONS, process_row,
// _process_single_token, _execute_transform_with_retry,
// _process_batch_aggregation_node) — this component has no direct
// teacher-Go equivalent, so its control flow is carried over from the
// Python original; the surrounding idiom (slice-backed deque, explicit
// struct dispatch instead of isinstance checks, context.Context on every
// blocking call) is Go-native.
package rowproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/aggregate"
	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/emit"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/metrics"
	"github.com/tachyon-beep/elspeth/plugin"
	"github.com/tachyon-beep/elspeth/retry"
	"github.com/tachyon-beep/elspeth/token"
	"github.com/tachyon-beep/elspeth/tracing"
	"go.opentelemetry.io/otel/trace"
)

// maxWorkQueueIterations guards against a misbehaving pipeline looping
// forever (spec.md §4.3).
const maxWorkQueueIterations = 10_000

// StepKind identifies what a StepSpec dispatches to.
type StepKind string

const (
	StepGate        StepKind = "gate"
	StepTransform   StepKind = "transform"
	StepAggregation StepKind = "aggregation"
)

// StepSpec is one entry in the resolved pipeline. Callers build the full
// ordered slice (plugin transforms/gates, then config-driven gates,
// exactly as spec.md §4.3 orders them) before constructing a Processor;
// the processor itself treats the list as flat and numbers steps
// 1..len(Steps) for audit.
type StepSpec struct {
	NodeID    string
	Kind      StepKind
	Gate      plugin.Gate
	Transform plugin.Transform
}

// CoalesceOutcome is what a CoalesceExecutor.Accept call returns.
type CoalesceOutcome struct {
	Held   bool
	Merged *landscape.Token
}

// CoalesceExecutor holds pending fork-branch results keyed by
// (row_id, coalesce_name) until every sibling has arrived.
type CoalesceExecutor interface {
	Accept(ctx context.Context, tok landscape.Token, coalesceName string, step int) (CoalesceOutcome, error)
}

// RowResult is one terminal outcome produced while processing a row —
// there can be more than one per row because of forks and expansions.
type RowResult struct {
	Token    landscape.Token
	Outcome  landscape.TokenOutcome
	SinkName string
	Err      error
}

// workItem is the unit the processor's queue holds.
type workItem struct {
	token          landscape.Token
	startStep      int
	coalesceAtStep int // 0 means "none"
	coalesceName   string
}

// Processor walks one row through Steps, using the shared token manager
// and landscape store for all state changes.
type Processor struct {
	store        landscape.Store
	tokens       *token.Manager
	runID        string
	sourceNodeID string
	steps        []StepSpec
	aggExec      *aggregate.Executor
	aggNodeIDs   map[string]int // node_id -> index into steps where its aggregation config applies
	retryPolicy  retry.Policy
	coalesce     CoalesceExecutor
	// branchToCoalesce and coalesceStepMap resolve a fork child's branch
	// name to the coalesce point it rejoins at, per spec.md's permissive
	// reading of the branch_to_coalesce Open Question (SPEC_FULL.md).
	branchToCoalesce map[string]string
	coalesceStepMap  map[string]int

	metrics  *metrics.Metrics
	tracer   *tracing.SpanFactory
	emitter  emit.Emitter
}

// WithMetrics attaches m so retry attempts and work-queue depth are
// recorded. Returns p for chaining at construction time.
func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

// WithTracer attaches a SpanFactory so every row gets its own trace
// span covering its full walk through the pipeline.
func (p *Processor) WithTracer(tr *tracing.SpanFactory) *Processor {
	p.tracer = tr
	return p
}

// WithEmitter attaches e so row lifecycle and retry events are emitted
// alongside the landscape audit trail, for log/trace backends that want
// a point-in-time event stream rather than the span/metric views above.
func (p *Processor) WithEmitter(e emit.Emitter) *Processor {
	p.emitter = e
	return p
}

// emit sends an event if an emitter is configured; a nil emitter makes
// this a no-op so callers never need to guard the call.
func (p *Processor) emitEvent(nodeID, msg string, meta map[string]interface{}) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(emit.Event{RunID: p.runID, NodeID: nodeID, Msg: msg, Meta: meta})
}

// Config bundles everything a Processor needs beyond the landscape store
// and token manager.
type Config struct {
	RunID            string
	SourceNodeID     string
	Steps            []StepSpec
	AggExec          *aggregate.Executor
	RetryPolicy      retry.Policy
	Coalesce         CoalesceExecutor
	BranchToCoalesce map[string]string
	CoalesceStepMap  map[string]int
}

// New builds a Processor. aggExec must already be configured with one
// aggregate.Config per StepSpec whose Kind is StepAggregation.
func New(store landscape.Store, tokens *token.Manager, cfg Config) *Processor {
	aggIdx := make(map[string]int)
	for i, s := range cfg.Steps {
		if s.Kind == StepAggregation {
			aggIdx[s.NodeID] = i
		}
	}
	return &Processor{
		store:            store,
		tokens:           tokens,
		runID:            cfg.RunID,
		sourceNodeID:     cfg.SourceNodeID,
		steps:            cfg.Steps,
		aggExec:          cfg.AggExec,
		aggNodeIDs:       aggIdx,
		retryPolicy:      cfg.RetryPolicy,
		coalesce:         cfg.Coalesce,
		branchToCoalesce: cfg.BranchToCoalesce,
		coalesceStepMap:  cfg.CoalesceStepMap,
	}
}

// ProcessRow creates a fresh row and its initial token, then walks it
// (and any forked/expanded children) to completion.
func (p *Processor) ProcessRow(ctx context.Context, rowIndex int, rowData landscape.PipelineRow) ([]RowResult, error) {
	tok, err := p.tokens.CreateInitialToken(ctx, p.runID, p.sourceNodeID, rowIndex, rowData)
	if err != nil {
		return nil, fmt.Errorf("rowproc: create initial token: %w", err)
	}
	return p.runTraced(ctx, tok, rowIndex, 0, 0, "")
}

// ProcessExistingRow resumes a row whose Row record already exists (the
// resume path): only a fresh token is minted, no new Row.
func (p *Processor) ProcessExistingRow(ctx context.Context, rowID string, rowData landscape.PipelineRow) ([]RowResult, error) {
	tok, err := p.tokens.CreateTokenForExistingRow(ctx, rowID, rowData)
	if err != nil {
		return nil, fmt.Errorf("rowproc: create token for existing row: %w", err)
	}
	return p.runTraced(ctx, tok, -1, 0, 0, "")
}

// runTraced wraps run in a per-row span when a tracer is configured, and
// emits row_start/row_complete events around it.
func (p *Processor) runTraced(ctx context.Context, tok landscape.Token, rowIndex, startStep, coalesceAtStep int, coalesceName string) ([]RowResult, error) {
	p.emitEvent(p.sourceNodeID, "row_start", map[string]interface{}{"row_id": tok.RowID})

	var results []RowResult
	var err error
	if p.tracer == nil {
		results, err = p.run(ctx, tok, startStep, coalesceAtStep, coalesceName)
	} else {
		var span trace.Span
		ctx, span = p.tracer.StartRow(ctx, p.runID, p.sourceNodeID, rowIndex)
		results, err = p.run(ctx, tok, startStep, coalesceAtStep, coalesceName)
		tracing.EndRow(span, err)
	}

	if err != nil {
		p.emitEvent(p.sourceNodeID, "row_error", map[string]interface{}{"row_id": tok.RowID, "error": err.Error()})
	} else {
		p.emitEvent(p.sourceNodeID, "row_complete", map[string]interface{}{"row_id": tok.RowID, "terminal_count": len(results)})
	}
	return results, err
}

func (p *Processor) run(ctx context.Context, tok landscape.Token, startStep, coalesceAtStep int, coalesceName string) ([]RowResult, error) {
	queue := []workItem{{token: tok, startStep: startStep, coalesceAtStep: coalesceAtStep, coalesceName: coalesceName}}
	var results []RowResult
	iterations := 0

	for len(queue) > 0 {
		iterations++
		if iterations > maxWorkQueueIterations {
			return nil, fmt.Errorf("rowproc: work queue exceeded %d iterations, possible infinite loop in pipeline", maxWorkQueueIterations)
		}

		item := queue[0]
		queue = queue[1:]
		p.metrics.UpdateQueueDepth(p.runID, len(queue))

		itemResults, children, err := p.processSingleToken(ctx, item)
		if err != nil {
			return nil, err
		}
		results = append(results, itemResults...)
		queue = append(queue, children...)
	}
	return results, nil
}

func (p *Processor) processSingleToken(ctx context.Context, item workItem) ([]RowResult, []workItem, error) {
	current := item.token
	var children []workItem

	for i := item.startStep; i < len(p.steps); i++ {
		step := p.steps[i]
		auditStep := i + 1 // 1-indexed for audit, matching spec.md §3's sequence_in_pipeline convention

		switch step.Kind {
		case StepGate:
			res, done, newChildren, err := p.dispatchGate(ctx, step, current, auditStep, i)
			if err != nil {
				return nil, nil, err
			}
			children = append(children, newChildren...)
			if done {
				return res, children, nil
			}
			current = res[0].Token // gate continued; res carries the (possibly updated) token

		case StepTransform:
			if idx, ok := p.aggNodeIDs[step.NodeID]; ok && idx == i {
				return p.dispatchAggregation(ctx, step.NodeID, current, auditStep)
			}
			res, done, newChildren, err := p.dispatchTransform(ctx, step.NodeID, step.Transform, current, auditStep, i)
			if err != nil {
				return nil, nil, err
			}
			children = append(children, newChildren...)
			if done {
				return res, children, nil
			}
			current = res[0].Token

		case StepAggregation:
			return p.dispatchAggregation(ctx, step.NodeID, current, auditStep)

		default:
			return nil, nil, fmt.Errorf("rowproc: unknown step kind %q at step %d", step.Kind, auditStep)
		}
	}

	// All steps consumed: check for a pending coalesce point.
	if p.coalesce != nil && current.BranchName != "" && item.coalesceName != "" {
		completedStep := len(p.steps)
		if item.coalesceAtStep != 0 && completedStep >= item.coalesceAtStep {
			outcome, err := p.coalesce.Accept(ctx, current, item.coalesceName, completedStep+1)
			if err != nil {
				return nil, nil, fmt.Errorf("rowproc: coalesce accept: %w", err)
			}
			if outcome.Held {
				return nil, children, nil
			}
			if outcome.Merged != nil {
				if err := p.store.RecordTokenOutcome(ctx, outcome.Merged.TokenID, landscape.OutcomeCoalesced, landscape.OutcomeReferent{JoinGroupID: outcome.Merged.JoinGroupID}); err != nil {
					return nil, nil, err
				}
				return []RowResult{{Token: *outcome.Merged, Outcome: landscape.OutcomeCoalesced}}, children, nil
			}
		}
	}

	if err := p.store.RecordTokenOutcome(ctx, current.TokenID, landscape.OutcomeCompleted, landscape.OutcomeReferent{}); err != nil {
		return nil, nil, err
	}
	return []RowResult{{Token: current, Outcome: landscape.OutcomeCompleted}}, children, nil
}

func (p *Processor) dispatchGate(ctx context.Context, step StepSpec, current landscape.Token, auditStep, stepIdx int) ([]RowResult, bool, []workItem, error) {
	routing, err := step.Gate.EvaluateGate(ctx, current.RowData)
	if err != nil {
		return nil, false, nil, fmt.Errorf("rowproc: gate %q: %w", step.NodeID, err)
	}

	switch routing.Kind {
	case plugin.RouteContinue:
		return []RowResult{{Token: current}}, false, nil, nil

	case plugin.RouteTo:
		if err := p.store.RecordTokenOutcome(ctx, current.TokenID, landscape.OutcomeRouted, landscape.OutcomeReferent{SinkName: routing.SinkName}); err != nil {
			return nil, false, nil, err
		}
		return []RowResult{{Token: current, Outcome: landscape.OutcomeRouted, SinkName: routing.SinkName}}, true, nil, nil

	case plugin.RouteForkToPaths:
		nextStep := stepIdx + 1
		// ForkToken records the parent's forked outcome in the same store
		// transaction that creates the children.
		childTokens, _, err := p.tokens.ForkToken(ctx, current, routing.Branches, nextStep, nil)
		if err != nil {
			return nil, false, nil, err
		}
		var children []workItem
		for _, c := range childTokens {
			coalesceName := p.branchToCoalesce[c.BranchName]
			children = append(children, workItem{
				token:          c,
				startStep:      nextStep,
				coalesceAtStep: p.coalesceStepMap[coalesceName],
				coalesceName:   coalesceName,
			})
		}
		return []RowResult{{Token: current, Outcome: landscape.OutcomeForked}}, true, children, nil

	default:
		return nil, false, nil, fmt.Errorf("rowproc: unknown routing kind %q", routing.Kind)
	}
}

func (p *Processor) dispatchTransform(ctx context.Context, nodeID string, tr plugin.Transform, current landscape.Token, auditStep, stepIdx int) ([]RowResult, bool, []workItem, error) {
	result, updated, errSink, err := p.executeWithRetry(ctx, nodeID, tr, current, auditStep)
	if err != nil {
		var maxExceeded *retry.MaxRetriesExceededError
		if errors.As(err, &maxExceeded) {
			errHash := landscape.HashBytes([]byte(maxExceeded.Error()))
			if recErr := p.store.RecordTokenOutcome(ctx, updated.TokenID, landscape.OutcomeFailed, landscape.OutcomeReferent{ErrorHash: errHash}); recErr != nil {
				return nil, false, nil, recErr
			}
			return []RowResult{{Token: updated, Outcome: landscape.OutcomeFailed, Err: maxExceeded}}, true, nil, nil
		}
		return nil, false, nil, fmt.Errorf("rowproc: transform %q: %w", tr.Header().Name, err)
	}
	current = updated

	if result.Status == plugin.TransformError {
		if errSink == "discard" {
			errHash := landscape.HashBytes([]byte(result.Reason))
			if err := p.store.RecordTokenOutcome(ctx, current.TokenID, landscape.OutcomeQuarantined, landscape.OutcomeReferent{ErrorHash: errHash}); err != nil {
				return nil, false, nil, err
			}
			return []RowResult{{Token: current, Outcome: landscape.OutcomeQuarantined}}, true, nil, nil
		}
		if err := p.store.RecordTokenOutcome(ctx, current.TokenID, landscape.OutcomeRouted, landscape.OutcomeReferent{SinkName: errSink}); err != nil {
			return nil, false, nil, err
		}
		return []RowResult{{Token: current, Outcome: landscape.OutcomeRouted, SinkName: errSink}}, true, nil, nil
	}

	if result.Status == plugin.TransformMulti {
		if !tr.CreatesTokens() {
			return nil, false, nil, fmt.Errorf("rowproc: transform %q returned multi-row result but creates_tokens=false", tr.Header().Name)
		}
		nextStep := stepIdx + 1
		// ExpandToken records the parent's expanded outcome in the same
		// store transaction that creates the children.
		childTokens, _, err := p.tokens.ExpandToken(ctx, current, result.Rows, nextStep)
		if err != nil {
			return nil, false, nil, err
		}
		var children []workItem
		for _, c := range childTokens {
			children = append(children, workItem{token: c, startStep: nextStep})
		}
		return []RowResult{{Token: current, Outcome: landscape.OutcomeExpanded}}, true, children, nil
	}

	return []RowResult{{Token: current}}, false, nil, nil
}

func (p *Processor) dispatchAggregation(ctx context.Context, nodeID string, current landscape.Token, auditStep int) ([]RowResult, []workItem, error) {
	submitResult, err := p.aggExec.Submit(ctx, nodeID, current, auditStep)
	if err != nil {
		return nil, nil, fmt.Errorf("rowproc: aggregation %q: %w", nodeID, err)
	}
	var results []RowResult
	for _, t := range submitResult.Terminals {
		results = append(results, RowResult{Token: t.Token, Outcome: t.Outcome})
	}
	var children []workItem
	for _, c := range submitResult.Continuations {
		children = append(children, workItem{token: c.Token, startStep: c.StartStep})
	}
	return results, children, nil
}

// executeWithRetry wraps tr.Process in the retry manager when configured.
// Every attempt — including retries — gets its own node-state row with
// Attempt = 0, 1, 2, ..., per spec.md §4.3.
func (p *Processor) executeWithRetry(ctx context.Context, nodeID string, tr plugin.Transform, tok landscape.Token, step int) (plugin.TransformResult, landscape.Token, string, error) {
	if p.retryPolicy.MaxAttempts <= 1 {
		res, procErr := p.runTransformAttempt(ctx, nodeID, tr, tok, step, 0)
		return p.finishTransformAttempt(ctx, res, procErr, tok)
	}

	mgr := retry.New(p.retryPolicy, nil)
	type attemptResult struct {
		res plugin.TransformResult
		tok landscape.Token
	}
	ar, err := retry.Do(ctx, mgr, func(ctx context.Context, attempt int) (attemptResult, error) {
		res, procErr := p.runTransformAttempt(ctx, nodeID, tr, tok, step, attempt)
		newTok, finishErr := p.updateTokenAfterTransform(ctx, res, tok)
		if finishErr != nil {
			return attemptResult{}, finishErr
		}
		if procErr != nil {
			return attemptResult{tok: newTok}, procErr
		}
		return attemptResult{res: res, tok: newTok}, nil
	}, func(a retry.Attempt) {
		if a.Index > 0 {
			p.metrics.IncrementRetries(p.runID, nodeID)
			p.emitEvent(nodeID, "transform_retry", map[string]interface{}{"attempt": a.Index})
		}
	})
	if err != nil {
		// retry.Do returns a zero attemptResult on failure, and a failed
		// attempt never changes the token, so hand back the input token.
		return plugin.TransformResult{}, tok, "", err
	}
	errSink := ar.res.ErrorSink
	if errSink == "" && ar.res.Status == plugin.TransformError {
		errSink = "discard"
	}
	return ar.res, ar.tok, errSink, nil
}

// runTransformAttempt records a BeginNodeState/CompleteNodeState pair
// around a single call to tr.Process, independent of whether the caller
// will retry on failure.
func (p *Processor) runTransformAttempt(ctx context.Context, nodeID string, tr plugin.Transform, tok landscape.Token, step, attempt int) (plugin.TransformResult, error) {
	state, beginErr := p.store.BeginNodeState(ctx, landscape.NodeState{
		TokenID:   tok.TokenID,
		NodeID:    nodeID,
		RunID:     p.runID,
		StepIndex: step,
		Attempt:   attempt,
	})
	if beginErr != nil {
		return plugin.TransformResult{}, fmt.Errorf("rowproc: begin node state for %q: %w", nodeID, beginErr)
	}

	// A transform that makes an audited external call (see llm.CallTransform)
	// retrieves these identifiers via callclient.CallContext rather than
	// needing them threaded through plugin.Transform's signature.
	ctx = callclient.WithCallContext(ctx, p.runID, state.StateID)

	res, procErr := tr.Process(ctx, tok.RowData)

	status := landscape.NodeStateCompleted
	outputHash := ""
	if procErr != nil || res.Status == plugin.TransformError {
		status = landscape.NodeStateFailed
	} else if h, hashErr := landscape.Hash(res.Row); hashErr == nil {
		outputHash = h
	}
	if _, err := p.store.CompleteNodeState(ctx, state.StateID, status, outputHash, time.Now().UTC()); err != nil {
		return plugin.TransformResult{}, fmt.Errorf("rowproc: complete node state for %q: %w", nodeID, err)
	}
	return res, procErr
}

func (p *Processor) finishTransformAttempt(ctx context.Context, res plugin.TransformResult, procErr error, tok landscape.Token) (plugin.TransformResult, landscape.Token, string, error) {
	newTok, err := p.updateTokenAfterTransform(ctx, res, tok)
	if err != nil {
		return plugin.TransformResult{}, tok, "", err
	}
	if procErr != nil {
		return plugin.TransformResult{}, newTok, "", procErr
	}
	errSink := res.ErrorSink
	if errSink == "" && res.Status == plugin.TransformError {
		errSink = "discard"
	}
	return res, newTok, errSink, nil
}

// updateTokenAfterTransform persists a single-row success's new row_data;
// multi-row and error results leave row_data untouched (the caller
// handles expansion/error routing itself).
func (p *Processor) updateTokenAfterTransform(ctx context.Context, res plugin.TransformResult, tok landscape.Token) (landscape.Token, error) {
	if res.Status != plugin.TransformSuccess {
		return tok, nil
	}
	return p.tokens.UpdateRowData(ctx, tok.TokenID, res.Row)
}
