package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tidwall/sjson"
)

// MatchKind classifies one FreshCall against the landscape's recorded
// calls, mirroring graph/replay.go's ErrReplayMismatch detection but
// generalized from "replay this node" to "verify this external call
// against an independently recorded run".
type MatchKind string

const (
	MatchOK               MatchKind = "match"
	MatchDifferences      MatchKind = "differences"
	MatchMissingRecording MatchKind = "missing_recording"
	MatchMissingPayload   MatchKind = "missing_payload"
)

// FreshCall is one call made during an independent, presumably replayed
// run, to be checked against what the original run recorded.
type FreshCall struct {
	CallType     landscape.CallType
	RequestData  map[string]any
	ResponseData map[string]any
}

// Finding is one FreshCall's verification result.
type Finding struct {
	Kind       MatchKind
	CallType   landscape.CallType
	RequestHash string
	Detail     string // populated for MatchDifferences/MatchMissingPayload
}

// Report is the outcome of verifying a batch of FreshCalls against one
// run's recorded calls.
type Report struct {
	RunID    string
	Findings []Finding
}

// OK reports whether every finding matched.
func (r Report) OK() bool {
	for _, f := range r.Findings {
		if f.Kind != MatchOK {
			return false
		}
	}
	return true
}

// Verifier checks FreshCalls against a run's recorded landscape.Call rows.
type Verifier struct {
	store       landscape.Store
	ignorePaths []string
}

// NewVerifier returns a Verifier comparing recorded and fresh response
// payloads verbatim. ignorePaths are sjson-style paths (e.g.
// "usage.latency_ms") deleted from both sides before comparison, for
// fields expected to vary between runs (timestamps, token-usage counters).
func NewVerifier(store landscape.Store, ignorePaths ...string) *Verifier {
	return &Verifier{store: store, ignorePaths: ignorePaths}
}

// Verify matches each of calls against runID's recorded calls by
// (run_id, call_type, request_hash, sequence_index), sequence_index being
// the 0-based count of how many earlier entries in calls share the same
// (call_type, request_hash) — mirroring repeated identical requests within
// a run, the same "occurrence" convention landscape.Store.
// FindCallByRequestHash uses.
func (v *Verifier) Verify(ctx context.Context, runID string, calls []FreshCall) (Report, error) {
	report := Report{RunID: runID}
	occurrence := make(map[string]int)

	for _, fc := range calls {
		requestHash, err := landscape.Hash(fc.RequestData)
		if err != nil {
			return Report{}, fmt.Errorf("export: hash fresh request: %w", err)
		}
		key := string(fc.CallType) + "|" + requestHash
		seq := occurrence[key]
		occurrence[key] = seq + 1

		finding, err := v.verifyOne(ctx, runID, fc, requestHash, seq)
		if err != nil {
			return Report{}, err
		}
		report.Findings = append(report.Findings, finding)
	}
	return report, nil
}

func (v *Verifier) verifyOne(ctx context.Context, runID string, fc FreshCall, requestHash string, occurrence int) (Finding, error) {
	base := Finding{CallType: fc.CallType, RequestHash: requestHash}

	recorded, err := v.store.FindCallByRequestHash(ctx, runID, fc.CallType, requestHash, occurrence)
	if err != nil {
		if errors.Is(err, landscape.ErrNotFound) {
			base.Kind = MatchMissingRecording
			return base, nil
		}
		return Finding{}, fmt.Errorf("export: find recorded call: %w", err)
	}

	if recorded.ResponseRef == "" {
		// response_ref was never set (e.g. an error call that never recorded a
		// response) — distinct from a set-but-purged ref, which is
		// MatchMissingPayload below. Nothing to compare against, so this is a
		// non-match, not a payload-integrity failure.
		base.Kind = MatchDifferences
		base.Detail = "recorded call has no response payload (response_ref never set)"
		return base, nil
	}
	recordedPayload, err := v.store.GetPayload(ctx, recorded.ResponseRef)
	if err != nil {
		base.Kind = MatchMissingPayload
		base.Detail = fmt.Sprintf("recorded response payload unreadable: %v", err)
		return base, nil
	}

	freshCanon, err := landscape.Canonicalize(fc.ResponseData)
	if err != nil {
		return Finding{}, fmt.Errorf("export: canonicalize fresh response: %w", err)
	}

	recordedStripped, err := stripPaths(recordedPayload, v.ignorePaths)
	if err != nil {
		return Finding{}, fmt.Errorf("export: strip ignore_paths from recorded payload: %w", err)
	}
	freshStripped, err := stripPaths(freshCanon, v.ignorePaths)
	if err != nil {
		return Finding{}, fmt.Errorf("export: strip ignore_paths from fresh payload: %w", err)
	}

	recordedMultiset, err := canonicalizeIgnoringListOrder(recordedStripped)
	if err != nil {
		return Finding{}, fmt.Errorf("export: normalize recorded payload for comparison: %w", err)
	}
	freshMultiset, err := canonicalizeIgnoringListOrder(freshStripped)
	if err != nil {
		return Finding{}, fmt.Errorf("export: normalize fresh payload for comparison: %w", err)
	}

	if !bytes.Equal(recordedMultiset, freshMultiset) {
		base.Kind = MatchDifferences
		base.Detail = "response payload differs after ignore_paths removal"
		return base, nil
	}

	base.Kind = MatchOK
	return base, nil
}

// canonicalizeIgnoringListOrder re-canonicalizes a JSON document with every
// list treated as a multiset (ignore_order=true, §4.6 point 6), applied
// recursively so nested lists compare order-independently too. This is the
// default and only mode; there is no per-call opt-out of list-order
// insensitivity.
func canonicalizeIgnoringListOrder(data []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return landscape.Canonicalize(multisetNormalize(decoded))
}

// multisetNormalize rewrites a decoded JSON value depth-first so that every
// list is reordered into a canonical, content-derived order: each element is
// normalized first (so a list nested inside a list element is itself
// order-independent), then the list is sorted by its element's own
// canonical bytes. Two lists containing the same elements in any order
// normalize to the same sequence.
func multisetNormalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = multisetNormalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = multisetNormalize(e)
		}
		sort.Slice(out, func(i, j int) bool {
			bi, _ := landscape.Canonicalize(out[i])
			bj, _ := landscape.Canonicalize(out[j])
			return bytes.Compare(bi, bj) < 0
		})
		return out
	default:
		return val
	}
}

// stripPaths deletes each of paths from canonical JSON document data in
// turn, via sjson (the same library landscape.Canonicalize uses to build
// canonical documents), tolerating paths absent from data.
func stripPaths(data []byte, paths []string) ([]byte, error) {
	out := data
	for _, p := range paths {
		stripped, err := sjson.DeleteBytes(out, p)
		if err != nil {
			return nil, fmt.Errorf("delete path %q: %w", p, err)
		}
		out = stripped
	}
	return out, nil
}
