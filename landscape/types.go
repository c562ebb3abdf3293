// Package landscape persists the tamper-evident audit trail of a pipeline
// run: runs, nodes, edges, rows, tokens, node-states, routing events,
// batches, calls, and artifacts. It is the only shared state between the
// token manager, the row processor, the aggregation executor, and the
// audited call client.
package landscape

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one end-to-end pipeline execution.
type Run struct {
	RunID           string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Status          RunStatus
	CanonicalVersion string
	ConfigHash      string
	Settings        map[string]any
}

// NodeType is the kind of vertex in the pipeline graph.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeSink        NodeType = "sink"
)

// Determinism is the reproducibility class of a node's behaviour.
type Determinism string

const (
	DeterminismDeterministic    Determinism = "deterministic"
	DeterminismNonDeterministic Determinism = "non_deterministic"
	DeterminismExternalCall     Determinism = "external_call"
)

// determinismRank orders Determinism values from most to least reproducible,
// used when an aggregation or coalesce node has to report the least
// deterministic of several input nodes (see SPEC_FULL.md's supplemented
// determinism-aggregation feature).
var determinismRank = map[Determinism]int{
	DeterminismDeterministic:    0,
	DeterminismNonDeterministic: 1,
	DeterminismExternalCall:     2,
}

// LeastDeterministic returns whichever of a, b is less reproducible.
func LeastDeterministic(a, b Determinism) Determinism {
	if determinismRank[b] > determinismRank[a] {
		return b
	}
	return a
}

// SchemaMode describes how strictly a node's declared fields are enforced.
type SchemaMode string

const (
	SchemaFixed    SchemaMode = "fixed"
	SchemaFlexible SchemaMode = "flexible"
	SchemaObserved SchemaMode = "observed"
)

// SchemaConfig captures a node's declared row contract.
type SchemaConfig struct {
	Mode   SchemaMode
	Fields []string
}

// Node is a vertex in the pipeline graph, registered once per run.
type Node struct {
	NodeID            string
	RunID             string
	PluginName        string
	PluginVersion     string
	NodeType          NodeType
	Config            map[string]any
	ConfigHash        string
	SchemaHash        string
	SchemaConfig      SchemaConfig
	Determinism       Determinism
	SequenceInPipeline int
}

// EdgeMode controls whether a routed row is moved or copied to the edge's
// destination.
type EdgeMode string

const (
	EdgeMove EdgeMode = "move"
	EdgeCopy EdgeMode = "copy"
)

// Edge is a possible routing from one node to another.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode EdgeMode
}

// Row is a single tabular record entering from a source.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	Data           PipelineRow
	SourceDataHash string
}

// PipelineRow is an immutable view of a row's data: an ordered mapping from
// normalised field name to value, plus the schema contract it was produced
// under. Every mutation produces a new PipelineRow; callers never mutate in
// place.
type PipelineRow struct {
	Fields []string
	Values map[string]any
	Schema SchemaConfig
}

// Get returns the value for a field and whether it was present.
func (r PipelineRow) Get(field string) (any, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// With returns a new PipelineRow with field set to value; the receiver is
// untouched.
func (r PipelineRow) With(field string, value any) PipelineRow {
	out := PipelineRow{
		Fields: append([]string(nil), r.Fields...),
		Values: DeepCopyMap(r.Values),
		Schema: r.Schema,
	}
	if _, existed := out.Values[field]; !existed {
		out.Fields = append(out.Fields, field)
	}
	out.Values[field] = value
	return out
}

// Merge returns a new PipelineRow with every field of other overlaid onto a
// deep copy of the receiver.
func (r PipelineRow) Merge(other PipelineRow) PipelineRow {
	out := PipelineRow{
		Fields: append([]string(nil), r.Fields...),
		Values: DeepCopyMap(r.Values),
		Schema: r.Schema,
	}
	for _, f := range other.Fields {
		if _, existed := out.Values[f]; !existed {
			out.Fields = append(out.Fields, f)
		}
		out.Values[f] = DeepCopyValue(other.Values[f])
	}
	return out
}

// Clone returns an independent deep copy, satisfying the fork/expand
// deep-copy invariant.
func (r PipelineRow) Clone() PipelineRow {
	return PipelineRow{
		Fields: append([]string(nil), r.Fields...),
		Values: DeepCopyMap(r.Values),
		Schema: r.Schema,
	}
}

// TokenOutcome is the terminal tag recorded on a token when it leaves the
// pipeline.
type TokenOutcome string

const (
	OutcomeCompleted       TokenOutcome = "completed"
	OutcomeFailed          TokenOutcome = "failed"
	OutcomeRouted          TokenOutcome = "routed"
	OutcomeForked          TokenOutcome = "forked"
	OutcomeExpanded        TokenOutcome = "expanded"
	OutcomeCoalesced       TokenOutcome = "coalesced"
	OutcomeBuffered        TokenOutcome = "buffered"
	OutcomeConsumedInBatch TokenOutcome = "consumed_in_batch"
	OutcomeQuarantined     TokenOutcome = "quarantined"
)

// OutcomeReferent is the small referent object paired with a terminal
// outcome: the sink name, group id, batch id, or error hash appropriate to
// the outcome kind. Exactly one field is meaningful per outcome.
type OutcomeReferent struct {
	SinkName     string
	ForkGroupID  string
	ExpandGroupID string
	JoinGroupID  string
	BatchID      string
	ErrorHash    string
}

// Token is one concurrent flow of work over exactly one row.
type Token struct {
	TokenID         string
	RowID           string
	ParentTokenIDs  []string
	BranchName      string
	ForkGroupID     string
	ExpandGroupID   string
	JoinGroupID     string
	StepInPipeline  int
	Outcome         TokenOutcome
	OutcomeReferent OutcomeReferent
	CreatedAt       time.Time

	// RowData is carried in-memory alongside the token; the landscape
	// stores it indirectly via the owning Row's content-addressed payload
	// plus any per-token overrides recorded at fork/expand time.
	RowData PipelineRow
}

// TokenParent records one (child, parent) lineage edge. Forked and expanded
// children reference the same single parent; coalesced tokens reference one
// row per contributing parent.
type TokenParent struct {
	ChildTokenID  string
	ParentTokenID string
	Ordinal       int
}

// NodeStateStatus is the lifecycle of one (token, node) execution attempt.
type NodeStateStatus string

const (
	NodeStateRunning   NodeStateStatus = "running"
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"
)

// NodeState is the record of one (token, node) execution, including retries
// as additional rows.
type NodeState struct {
	StateID     string
	TokenID     string
	NodeID      string
	RunID       string
	StepIndex   int
	InputHash   string
	OutputHash  string
	Status      NodeStateStatus
	DurationMs  int64
	Attempt     int
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RoutingEvent is attached to the node-state that produced a routing
// decision.
type RoutingEvent struct {
	StateID    string
	EdgeID     string
	Mode       EdgeMode
	Reason     map[string]any
	RecordedAt time.Time
}

// BatchStatus is the lifecycle of a Batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// TriggerType is the reason an aggregation buffer flushed.
type TriggerType string

const (
	TriggerCount      TriggerType = "count"
	TriggerTimeout    TriggerType = "timeout"
	TriggerEndOfSource TriggerType = "end_of_source"
	TriggerCustom     TriggerType = "custom"
)

// Batch groups the buffered tokens flushed together at an aggregation node.
type Batch struct {
	BatchID           string
	RunID             string
	AggregationNodeID string
	Attempt           int
	Status            BatchStatus
	TriggerType       TriggerType
	TriggerReason     map[string]any
	AggregationStateID string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// BatchMember is one token's deterministic position inside a batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// CallType is the kind of outbound external call.
type CallType string

const (
	CallLLM  CallType = "llm"
	CallHTTP CallType = "http"
)

// CallStatus is the terminal status of an outbound call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// Call is one outbound external request made during a node-state.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	ResponseHash string // empty if none
	RequestRef   string // payload store pointer; empty if purged/never set
	ResponseRef  string // payload store pointer; empty if purged/never set
	LatencyMs    int64
	CreatedAt    time.Time
}

// Artifact is an output produced by a sink, content-addressed and recorded
// append-only.
type Artifact struct {
	ArtifactID      string
	RunID           string
	ProducedByState string
	SinkNodeID      string
	ArtifactType    string
	PathOrURI       string
	ContentHash     string
	SizeBytes       int64
	IdempotencyKey  string
	CreatedAt       time.Time
}

// DeepCopyValue recursively copies maps, slices, and scalars. It is the
// building block behind PipelineRow.Clone and the token manager's
// fork/expand deep-copy invariant: mutation of one sibling's data must be
// invisible to its siblings at every nesting level.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = DeepCopyValue(e)
		}
		return out
	default:
		return val
	}
}

// DeepCopyMap deep-copies a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}
