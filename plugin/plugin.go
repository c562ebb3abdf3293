// Package plugin defines the capability interfaces a pipeline node
// implements: Source, Transform, Gate, BatchTransform and Sink. These are
// despecialized from the teacher's generic Node[S]/NodeFunc[S]: a pipeline
// here moves a concrete landscape.PipelineRow rather than an arbitrary
// state type, so one flat interface set replaces the generic one.
package plugin

import (
	"context"

	"github.com/tachyon-beep/elspeth/landscape"
)

// SecurityLevel is a PSPF-style classification level, ordered from
// least to most restrictive. Grounded on
// core/base/types.py's SecurityLevel: "Security aggregation rule: MOST
// restrictive wins."
type SecurityLevel string

const (
	SecurityUnofficial        SecurityLevel = "UNOFFICIAL"
	SecurityOfficial          SecurityLevel = "OFFICIAL"
	SecurityOfficialSensitive SecurityLevel = "OFFICIAL_SENSITIVE"
	SecurityProtected         SecurityLevel = "PROTECTED"
	SecuritySecret            SecurityLevel = "SECRET"
)

var securityRank = map[SecurityLevel]int{
	SecurityUnofficial:        0,
	SecurityOfficial:          1,
	SecurityOfficialSensitive: 2,
	SecurityProtected:         3,
	SecuritySecret:            4,
}

// MostRestrictive returns whichever of a, b has the higher
// classification rank. An unranked value counts as rank 0, the same as
// SecurityUnofficial, and is returned as given; on a tie a wins.
func MostRestrictive(a, b SecurityLevel) SecurityLevel {
	if securityRank[a] >= securityRank[b] {
		return a
	}
	return b
}

// Header describes a plugin instance's identity, independent of which
// capability interface it implements. Every node registered in the
// landscape carries one. Determinism and SecurityLevel are ordered
// classifications aggregated across a node's inputs (see
// plugin.AggregateHeaders) rather than declared once and forgotten,
// mirroring core/base/types.py's SecurityLevel/DeterminismLevel
// aggregation rules.
type Header struct {
	Name          string
	Version       string
	Determinism   landscape.Determinism
	SecurityLevel SecurityLevel
}

// AggregateHeaders combines the headers of a node's input plugins into
// the effective classification for a downstream node (an aggregation or
// coalesce point with multiple inputs): the least deterministic input
// wins for Determinism (landscape.LeastDeterministic), the most
// restrictive wins for SecurityLevel (MostRestrictive). Name/Version are
// left zero; callers set those for the downstream node itself.
func AggregateHeaders(headers ...Header) Header {
	var out Header
	for i, h := range headers {
		if i == 0 {
			out.Determinism, out.SecurityLevel = h.Determinism, h.SecurityLevel
			continue
		}
		out.Determinism = landscape.LeastDeterministic(out.Determinism, h.Determinism)
		out.SecurityLevel = MostRestrictive(out.SecurityLevel, h.SecurityLevel)
	}
	return out
}

// RoutingKind is the decision a Gate returns for a token.
type RoutingKind string

const (
	RouteContinue    RoutingKind = "continue"
	RouteTo          RoutingKind = "route_to"
	RouteForkToPaths RoutingKind = "fork_to_paths"
)

// Routing is a Gate's decision about what happens to a token next.
type Routing struct {
	Kind     RoutingKind
	SinkName string   // set when Kind == RouteTo
	Branches []string // set when Kind == RouteForkToPaths
}

// Gate inspects a token and decides whether it continues, routes to a
// named sink, or forks into named branches.
type Gate interface {
	Header() Header
	EvaluateGate(ctx context.Context, row landscape.PipelineRow) (Routing, error)
}

// TransformStatus is the outcome of a single Transform invocation.
type TransformStatus string

const (
	TransformSuccess TransformStatus = "success"
	TransformMulti   TransformStatus = "success_multi"
	TransformError   TransformStatus = "error"
)

// TransformResult is what a Transform returns for one input row. Exactly
// one of Row / Rows is meaningful, selected by Status.
type TransformResult struct {
	Status    TransformStatus
	Row       landscape.PipelineRow
	Rows      []landscape.PipelineRow // populated when Status == TransformMulti
	Reason    string                  // populated when Status == TransformError
	Retryable bool                    // populated when Status == TransformError
	ErrorSink string                  // "discard" quarantines; any other value routes to that sink
}

// Transform is a single-row (possibly deaggregating) processing step.
// CreatesTokens must be true for a Transform that ever returns
// TransformMulti — the processor rejects multi-row results from a
// transform that didn't declare it.
type Transform interface {
	Header() Header
	CreatesTokens() bool
	Process(ctx context.Context, row landscape.PipelineRow) (TransformResult, error)
}

// BatchTransform is a batch-aware transform hosted by an aggregation
// node: the aggregation executor hands it every buffered row at once.
type BatchTransform interface {
	Header() Header
	ProcessBatch(ctx context.Context, rows []landscape.PipelineRow) (TransformResult, error)
}

// Sink is a pipeline terminal: it durably writes a completed row and
// returns the artifact recorded for it.
type Sink interface {
	Header() Header
	Write(ctx context.Context, row landscape.PipelineRow) (landscape.Artifact, error)
}

// Source produces the initial rows fed into a run.
type Source interface {
	Header() Header
	Rows(ctx context.Context) (<-chan landscape.PipelineRow, <-chan error)
}
