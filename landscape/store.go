package landscape

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by single-entity readers when no matching row
// exists.
var ErrNotFound = errors.New("landscape: not found")

// ErrCorrupt indicates a value read back from the store could not be
// decoded into one of the core's closed enums (an invalid status string,
// for instance). Per the store's tier-3 boundary rule, this is a hard
// error: the caller must crash rather than silently coerce.
var ErrCorrupt = errors.New("landscape: corrupt audit record")

// ErrDuplicateCallIndex is returned when a call row is inserted whose
// (state_id, call_type, call_index) triple already exists.
var ErrDuplicateCallIndex = errors.New("landscape: duplicate call index")

// ForkSpec describes one requested branch for Store.ForkToken.
type ForkSpec struct {
	BranchName string
	RowData    *PipelineRow // nil means "deep copy parent's row_data"
}

// ExpandSpec describes one output row for Store.ExpandToken.
type ExpandSpec struct {
	RowData PipelineRow
}

// Page bounds a list reader. Zero Limit means "no limit."
type Page struct {
	After string // opaque cursor, empty for first page
	Limit int
}

// Store is the transactional contract over the audit database described in
// spec.md §4.1. Every mutating method is a single transaction; operations
// that touch multiple rows (fork, expand, coalesce, batch member +
// status change) are atomic as a whole. A single Store value is shared by
// every worker processing a run and serialises writes internally.
type Store interface {
	// Run lifecycle.
	BeginRun(ctx context.Context, run Run) (Run, error)
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	// Setup (frozen before any token exists).
	RegisterNode(ctx context.Context, node Node) (Node, error)
	RegisterEdge(ctx context.Context, edge Edge) (Edge, error)

	// Rows and tokens.
	CreateRow(ctx context.Context, row Row) (Row, error)
	CreateToken(ctx context.Context, tok Token) (Token, error)
	ForkToken(ctx context.Context, parent Token, step int, branches []ForkSpec) ([]Token, string, error)
	ExpandToken(ctx context.Context, parent Token, step int, rows []ExpandSpec) ([]Token, string, error)
	CoalesceToken(ctx context.Context, parents []Token, merged PipelineRow, step int) (Token, error)
	UpdateRowData(ctx context.Context, tokenID string, data PipelineRow) (Token, error)
	RecordTokenOutcome(ctx context.Context, tokenID string, outcome TokenOutcome, referent OutcomeReferent) error

	// Node-state and routing.
	BeginNodeState(ctx context.Context, ns NodeState) (NodeState, error)
	CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash string, completedAt time.Time) (NodeState, error)
	RecordRoutingEvent(ctx context.Context, ev RoutingEvent) error

	// External calls.
	AllocateCallIndex(ctx context.Context, stateID string, callType CallType) (int, error)
	RecordCall(ctx context.Context, call Call) (Call, error)
	FindCallByRequestHash(ctx context.Context, runID string, callType CallType, requestHash string, occurrence int) (Call, error)

	// Batches.
	CreateBatch(ctx context.Context, b Batch) (Batch, error)
	AddBatchMember(ctx context.Context, batchID string, tokenID string, ordinal int) error
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error
	CompleteBatch(ctx context.Context, batchID string, aggregationStateID string, completedAt time.Time) (Batch, error)
	RetryBatch(ctx context.Context, failedBatchID string) (Batch, error)

	// Artifacts.
	RegisterArtifact(ctx context.Context, a Artifact) (Artifact, error)

	// Payloads (content-addressed blob store fronting row data and call
	// request/response bodies).
	PutPayload(ctx context.Context, hash string, data []byte) (ref string, err error)
	GetPayload(ctx context.Context, ref string) ([]byte, error)
	PurgePayload(ctx context.Context, ref string) error

	// Paged, deterministically-ordered readers. Each has a fixed ORDER BY:
	// rows and tokens by (created_at, id), nodes by (sequence_in_pipeline,
	// node_id), node states by (started_at, state_id), routing events by
	// (recorded_at, state_id).
	GetRows(ctx context.Context, runID string, page Page) ([]Row, error)
	GetTokens(ctx context.Context, runID string, page Page) ([]Token, error)
	GetNodeStatesForToken(ctx context.Context, tokenID string, page Page) ([]NodeState, error)
	GetTokenParents(ctx context.Context, childTokenID string) ([]TokenParent, error)
	GetNodes(ctx context.Context, runID string, page Page) ([]Node, error)
	GetEdges(ctx context.Context, runID string, page Page) ([]Edge, error)
	GetTokenParentsForRun(ctx context.Context, runID string, page Page) ([]TokenParent, error)
	GetNodeStatesForRun(ctx context.Context, runID string, page Page) ([]NodeState, error)
	GetRoutingEventsForRun(ctx context.Context, runID string, page Page) ([]RoutingEvent, error)
	GetCallsForRun(ctx context.Context, runID string, page Page) ([]Call, error)
	GetBatchesForRun(ctx context.Context, runID string, page Page) ([]Batch, error)
	GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error)
	GetArtifactsForRun(ctx context.Context, runID string, page Page) ([]Artifact, error)
	GetRun(ctx context.Context, runID string) (Run, error)

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}
